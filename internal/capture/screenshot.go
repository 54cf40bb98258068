package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/kbinani/screenshot"

	"framecast/internal/types"
)

// hashDistanceThreshold is the perceptual-hash distance below which two
// grabs count as the same screen content.
const hashDistanceThreshold = 3

// ScreenshotBackend is the portable pull backend. It polls the display with
// CGO-free OS screenshot calls and uses a perceptual hash to turn idle
// screens into no-update events instead of identical frames. Slower than
// the native backends but works everywhere, which makes it the fallback of
// last resort.
type ScreenshotBackend struct {
	mu       sync.Mutex
	target   Target
	settings Settings
	bounds   image.Rectangle
	lastHash *goimagehash.ImageHash
	epoch    time.Time
	started  bool
	stopped  bool
}

func NewScreenshot() *ScreenshotBackend {
	return &ScreenshotBackend{}
}

func (b *ScreenshotBackend) Start(target Target, settings Settings) error {
	if target.IsWindow() {
		return fmt.Errorf("%w: window targets", ErrUnsupportedOption)
	}
	if settings.CaptureCursor {
		// the OS screenshot path never includes the pointer
		return fmt.Errorf("%w: cursor capture", ErrUnsupportedOption)
	}
	n := screenshot.NumActiveDisplays()
	if target.Display < 0 || target.Display >= n {
		return fmt.Errorf("%w: display %d of %d", ErrTargetNotFound, target.Display, n)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
	b.settings = settings
	b.bounds = screenshot.GetDisplayBounds(target.Display)
	b.epoch = time.Now()
	b.started = true
	b.stopped = false
	return nil
}

func (b *ScreenshotBackend) WaitEvent(timeout time.Duration) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.stopped {
		return Event{}, ErrStopped
	}

	deadline := time.Now().Add(timeout)
	for {
		bounds := screenshot.GetDisplayBounds(b.target.Display)
		if bounds.Empty() {
			return Event{Kind: EventTargetClosed}, nil
		}
		if bounds.Dx() != b.bounds.Dx() || bounds.Dy() != b.bounds.Dy() {
			b.bounds = bounds
			b.lastHash = nil
			return Event{Kind: EventSizeChanged, Width: bounds.Dx(), Height: bounds.Dy()}, nil
		}

		img, err := screenshot.CaptureRect(bounds)
		if err != nil {
			// the display backing store can vanish under us mid-grab
			return Event{Kind: EventDeviceLost}, nil
		}

		if b.changed(img) {
			s := types.NewSurface(nil)
			s.Data = img.Pix
			s.Width = img.Rect.Dx()
			s.Height = img.Rect.Dy()
			s.Stride = img.Stride
			s.Format = types.RGBA8
			s.Timestamp = time.Since(b.epoch)
			return Event{Kind: EventSurface, Surface: s}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{Kind: EventNoUpdate}, nil
		}
		nap := 4 * time.Millisecond
		if remaining < nap {
			nap = remaining
		}
		time.Sleep(nap)
	}
}

// changed hashes the grab and compares against the previous one. Hash
// failures count as changed so frames are never silently withheld.
func (b *ScreenshotBackend) changed(img image.Image) bool {
	h, err := goimagehash.AverageHash(img)
	if err != nil {
		b.lastHash = nil
		return true
	}
	prev := b.lastHash
	b.lastHash = h
	if prev == nil {
		return true
	}
	dist, err := prev.Distance(h)
	if err != nil {
		return true
	}
	return dist > hashDistanceThreshold
}

func (b *ScreenshotBackend) Size() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bounds.Dx(), b.bounds.Dy()
}

func (b *ScreenshotBackend) Format() types.PixelFormat { return types.RGBA8 }

func (b *ScreenshotBackend) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}
