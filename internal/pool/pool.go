// Package pool owns the staging buffers between a capture backend and the
// frame callback. Surfaces are copied (and pixel-converted) into pool
// buffers so backend memory can be returned immediately.
package pool

import (
	"errors"
	"fmt"

	"framecast/internal/types"
)

const MinDepth = 2

var ErrBadDimensions = errors.New("frame pool: dimensions must be positive")

// Pool cycles a fixed set of staging buffers. All methods are called from
// the driver's capture loop; the pool itself takes no locks. No allocation
// happens in steady state: buffers are only (re)allocated by Resize.
type Pool struct {
	format types.PixelFormat
	width  int
	height int
	stride int
	bufs   [][]byte
	next   int
	frame  types.Frame // reused header for deliveries
	gen    uint64      // bumped on every resize
}

// New creates a pool of depth staging buffers producing frames in format.
// Depth is clamped to MinDepth; buffers are allocated by the first Resize.
func New(format types.PixelFormat, depth int) *Pool {
	if depth < MinDepth {
		depth = MinDepth
	}
	return &Pool{
		format: format,
		bufs:   make([][]byte, depth),
	}
}

// Resize throws away every staging buffer and reallocates for the new
// dimensions. Frames handed out before the resize must not be touched
// afterwards; their buffers no longer belong to the pool.
func (p *Pool) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	p.width = width
	p.height = height
	p.stride = width * p.format.BytesPerPixel()
	for i := range p.bufs {
		p.bufs[i] = make([]byte, p.stride*height)
	}
	p.next = 0
	p.gen++
	return nil
}

// Acquire stages a surface into the next buffer and returns the frame view.
// A zero-area surface yields an invalid frame carrying only the timestamp;
// that happens on the first deliveries of some backends and settles on its
// own. A surface whose size disagrees with the pool forces a resize, which
// covers backends that deliver the newly-sized frame before the size event.
func (p *Pool) Acquire(s *types.Surface) (*types.Frame, error) {
	p.frame = types.Frame{
		Format:    p.format,
		Timestamp: s.Timestamp,
	}
	if s.Width <= 0 || s.Height <= 0 {
		return &p.frame, nil
	}

	if s.Width != p.width || s.Height != p.height {
		if err := p.Resize(s.Width, s.Height); err != nil {
			return nil, err
		}
	}

	buf := p.bufs[p.next]
	p.next = (p.next + 1) % len(p.bufs)

	if err := stage(buf, p.stride, p.format, s); err != nil {
		return nil, err
	}

	p.frame.Data = buf
	p.frame.Width = p.width
	p.frame.Height = p.height
	p.frame.Stride = p.stride
	p.frame.Dirty = s.Dirty
	p.frame.Valid = true
	return &p.frame, nil
}

// Size reports the current buffer dimensions.
func (p *Pool) Size() (width, height int) { return p.width, p.height }

// Depth reports the number of staging buffers.
func (p *Pool) Depth() int { return len(p.bufs) }

// Generation counts resizes; a frame from an older generation points at an
// orphaned buffer.
func (p *Pool) Generation() uint64 { return p.gen }

// stage copies surface rows into dst, compacting stride and converting the
// pixel format on the way.
func stage(dst []byte, dstStride int, dstFormat types.PixelFormat, s *types.Surface) error {
	switch {
	case s.Format == dstFormat:
		for y := 0; y < s.Height; y++ {
			copy(dst[y*dstStride:], s.Row(y))
		}
		return nil
	case s.Format == types.BGRA8 && dstFormat == types.RGBA8,
		s.Format == types.RGBA8 && dstFormat == types.BGRA8:
		for y := 0; y < s.Height; y++ {
			swapRB(dst[y*dstStride:y*dstStride+dstStride], s.Row(y))
		}
		return nil
	default:
		return fmt.Errorf("frame pool: no %s to %s conversion", s.Format, dstFormat)
	}
}

// swapRB converts between BGRA and RGBA byte order (the swap is its own
// inverse).
func swapRB(dst, src []byte) {
	n := len(src) / 4 * 4
	for i := 0; i < n; i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = src[i+3]
	}
}
