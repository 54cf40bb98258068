package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"framecast/internal/types"
)

// SyntheticBackend produces generated frames on a fixed synthetic clock
// without touching the OS. It backs the driver when no native backend is
// available and gives tests a scriptable stand-in: size changes, device
// loss and target closure can be injected between waits.
type SyntheticBackend struct {
	mu       sync.Mutex
	width    int
	height   int
	format   types.PixelFormat
	interval time.Duration
	clock    time.Duration
	warmup   int
	injected []Event
	startErr error
	started  bool
	stopped  bool
	count    uint64

	// two backend-owned buffers, recycled on Release
	bufs     [2][]byte
	inFlight [2]atomic.Bool
	releases atomic.Uint64
}

// NewSynthetic returns a backend producing one BGRA surface per interval of
// synthetic time. Warmup surfaces (zero-area, delivered before real ones)
// can be requested to exercise the not-yet-ready path.
func NewSynthetic(width, height int, interval time.Duration) *SyntheticBackend {
	return &SyntheticBackend{
		width:    width,
		height:   height,
		format:   types.BGRA8,
		interval: interval,
	}
}

// SetWarmup makes the first n surfaces zero-area.
func (b *SyntheticBackend) SetWarmup(n int) {
	b.mu.Lock()
	b.warmup = n
	b.mu.Unlock()
}

// FailNextStart makes the next Start return err. Used to exercise the
// driver's recreation failure path.
func (b *SyntheticBackend) FailNextStart(err error) {
	b.mu.Lock()
	b.startErr = err
	b.mu.Unlock()
}

// InjectResize queues a size change ahead of the next surface.
func (b *SyntheticBackend) InjectResize(width, height int) {
	b.mu.Lock()
	b.width, b.height = width, height
	b.bufs[0], b.bufs[1] = nil, nil
	b.injected = append(b.injected, Event{Kind: EventSizeChanged, Width: width, Height: height})
	b.mu.Unlock()
}

// InjectDeviceLost queues a device-lost event.
func (b *SyntheticBackend) InjectDeviceLost() {
	b.mu.Lock()
	b.injected = append(b.injected, Event{Kind: EventDeviceLost})
	b.mu.Unlock()
}

// InjectTargetClosed queues a target-closed event.
func (b *SyntheticBackend) InjectTargetClosed() {
	b.mu.Lock()
	b.injected = append(b.injected, Event{Kind: EventTargetClosed})
	b.mu.Unlock()
}

// Releases reports how many surfaces have been returned so far.
func (b *SyntheticBackend) Releases() uint64 { return b.releases.Load() }

func (b *SyntheticBackend) Start(target Target, settings Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		err := b.startErr
		b.startErr = nil
		return err
	}
	b.started = true
	b.stopped = false
	return nil
}

func (b *SyntheticBackend) WaitEvent(timeout time.Duration) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return Event{}, ErrStopped
	}
	if len(b.injected) > 0 {
		ev := b.injected[0]
		b.injected = b.injected[1:]
		return ev, nil
	}
	if b.warmup > 0 {
		b.warmup--
		s := types.NewSurface(nil)
		s.Format = b.format
		s.Timestamp = b.clock
		return Event{Kind: EventSurface, Surface: s}, nil
	}
	if b.interval <= 0 {
		return Event{Kind: EventNoUpdate}, nil
	}
	return Event{Kind: EventSurface, Surface: b.nextSurfaceLocked()}, nil
}

// nextSurfaceLocked hands out one of the two backend buffers. If both are
// still on loan the oldest loan is overwritten, which mirrors how real
// capture surfaces behave when the consumer holds them too long.
func (b *SyntheticBackend) nextSurfaceLocked() *types.Surface {
	slot := int(b.count % 2)
	stride := b.width * b.format.BytesPerPixel()
	if b.bufs[slot] == nil {
		b.bufs[slot] = make([]byte, stride*b.height)
	}
	buf := b.bufs[slot]
	for i := range buf {
		buf[i] = byte(b.count)
	}

	b.count++
	b.clock += b.interval
	b.inFlight[slot].Store(true)

	s := types.NewSurface(func() {
		b.inFlight[slot].Store(false)
		b.releases.Add(1)
	})
	s.Data = buf
	s.Width = b.width
	s.Height = b.height
	s.Stride = stride
	s.Format = b.format
	s.Timestamp = b.clock
	return s
}

func (b *SyntheticBackend) Size() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

func (b *SyntheticBackend) Format() types.PixelFormat { return b.format }

func (b *SyntheticBackend) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.injected = nil
	b.mu.Unlock()
}
