package types

import (
	"image"
	"sync"
	"time"
	"unsafe"
)

// PixelFormat is the in-memory layout of captured pixel data.
type PixelFormat int

const (
	RGBA8 PixelFormat = iota // default output format
	BGRA8
	RGBA16F
)

func (f PixelFormat) BytesPerPixel() int {
	if f == RGBA16F {
		return 8
	}
	return 4
}

func (f PixelFormat) String() string {
	switch f {
	case RGBA8:
		return "rgba8"
	case BGRA8:
		return "bgra8"
	case RGBA16F:
		return "rgba16f"
	}
	return "unknown"
}

// PacketKind classifies an encoded packet on the wire and in containers.
type PacketKind uint32

const (
	KeyFrame PacketKind = iota
	DeltaFrame
	AudioFrame
)

func (k PacketKind) String() string {
	switch k {
	case KeyFrame:
		return "key"
	case DeltaFrame:
		return "delta"
	case AudioFrame:
		return "audio"
	}
	return "unknown"
}

// Surface is raw pixel data on loan from a capture backend. Either Ptr
// (zero-copy into backend-owned memory) or Data is populated. The loan ends
// at Release; the staging pool copies out of it before that.
type Surface struct {
	Data      []byte
	Ptr       unsafe.Pointer
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration // monotonic, backend clock
	Dirty     []image.Rectangle

	releaseOnce sync.Once
	release     func()
}

// NewSurface wraps backend-owned pixels. release may be nil for surfaces
// that borrow nothing (pure-Go backends handing over their own slice).
func NewSurface(release func()) *Surface {
	return &Surface{release: release}
}

// Release returns the underlying buffer to the backend. Idempotent.
func (s *Surface) Release() {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Row returns one scanline of the surface without copying.
func (s *Surface) Row(y int) []byte {
	if s.Ptr != nil {
		return unsafe.Slice((*byte)(s.Ptr), s.Stride*s.Height)[y*s.Stride : y*s.Stride+s.Width*s.Format.BytesPerPixel()]
	}
	return s.Data[y*s.Stride : y*s.Stride+s.Width*s.Format.BytesPerPixel()]
}

// Frame is the caller-visible view into a staging buffer. Data is only valid
// for the duration of the delivery callback; Clone detaches a copy.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration
	Dirty     []image.Rectangle

	// Valid is false for warmup deliveries whose surface carried zero area
	// or stale metadata. Not an error; the next frames settle.
	Valid bool
}

// Clone copies the frame out of its staging buffer so it can outlive the
// delivery callback.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	c.Dirty = append([]image.Rectangle(nil), f.Dirty...)
	return &c
}

// EncodedPacket is one unit of encoder output. Timestamps are rebased so the
// first packet of a session is at zero.
type EncodedPacket struct {
	Data      []byte
	Timestamp time.Duration
	Kind      PacketKind
	Width     int // video packets only
	Height    int
}

// FrameSink consumes encoded packets. OnPacket is called from a single
// encoder goroutine; implementations do not need to be re-entrant.
type FrameSink interface {
	OnStreamStart() error
	OnPacket(pkt *EncodedPacket) error
	OnStreamEnd() error
}
