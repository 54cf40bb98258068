//go:build darwin

package capture

/*
#cgo CFLAGS: -mmacosx-version-min=14.0
#cgo LDFLAGS: -framework ScreenCaptureKit -framework CoreMedia -framework CoreVideo -framework Cocoa

#include <stdint.h>

typedef struct {
	void *stream;
	void *delegate;
	void *filter;
	int width;
	int height;
} SCKStreamHandle;

// Implemented in sck_shim.m. The stream delegate runs on a dispatch queue
// owned by the compositor and calls back into Go for every frame.
int  sck_stream_start_display(int display, int cursor, int border,
                              int min_interval_us, uintptr_t ctx, SCKStreamHandle *out);
int  sck_stream_start_window(uint32_t window_id, int cursor, int children,
                             int min_interval_us, uintptr_t ctx, SCKStreamHandle *out);
void sck_stream_stop(SCKStreamHandle *h);
void sck_surface_unlock(void *surface);
*/
import "C"
import (
	"fmt"
	"runtime/cgo"
	"time"
	"unsafe"

	"framecast/internal/types"
)

// CompositorBackend is the darwin push backend over ScreenCaptureKit. The
// compositor delivers frames on its own thread; the delegate hands each one
// to the driver through the bounded event queue, so a stalled consumer
// costs dropped frames instead of a blocked compositor.
type CompositorBackend struct {
	handle  C.SCKStreamHandle
	queue   *eventQueue
	self    cgo.Handle
	started bool
}

func NewCompositor() *CompositorBackend {
	return &CompositorBackend{}
}

func (b *CompositorBackend) Start(target Target, settings Settings) error {
	if settings.ReportDirtyRegions {
		return fmt.Errorf("%w: dirty regions", ErrUnsupportedOption)
	}

	b.queue = newEventQueue(settings.queueDepth())
	b.self = cgo.NewHandle(b)

	cursor := C.int(0)
	if settings.CaptureCursor {
		cursor = 1
	}
	extra := C.int(0)
	if settings.IncludeSecondaryWindows {
		extra = 1
	}
	border := C.int(0)
	if settings.DrawBorder {
		border = 1
	}
	interval := C.int(settings.MinUpdateInterval.Microseconds())

	var ret C.int
	if target.IsWindow() {
		ret = C.sck_stream_start_window(C.uint32_t(target.Window), cursor, extra,
			interval, C.uintptr_t(b.self), &b.handle)
	} else {
		ret = C.sck_stream_start_display(C.int(target.Display), cursor, border,
			interval, C.uintptr_t(b.self), &b.handle)
	}
	if ret != 0 {
		b.self.Delete()
		b.queue.close()
		if ret == 2 {
			return fmt.Errorf("%w: screen recording", ErrPermissionDenied)
		}
		return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	b.started = true
	return nil
}

func (b *CompositorBackend) WaitEvent(timeout time.Duration) (Event, error) {
	if !b.started {
		return Event{}, ErrStopped
	}
	ev, ok := b.queue.wait(timeout)
	if !ok {
		return Event{Kind: EventNoUpdate}, nil
	}
	if ev.Kind == EventSizeChanged {
		b.handle.width = C.int(ev.Width)
		b.handle.height = C.int(ev.Height)
	}
	return ev, nil
}

func (b *CompositorBackend) Size() (int, int) {
	return int(b.handle.width), int(b.handle.height)
}

func (b *CompositorBackend) Format() types.PixelFormat { return types.BGRA8 }

func (b *CompositorBackend) Stop() {
	if !b.started {
		return
	}
	b.started = false
	C.sck_stream_stop(&b.handle)
	b.queue.close()
	b.self.Delete()
}

// surfaceArrived runs on the compositor's delivery thread.
func (b *CompositorBackend) surfaceArrived(buf unsafe.Pointer, stride, w, h int, ts time.Duration, locked unsafe.Pointer) {
	if w != int(b.handle.width) || h != int(b.handle.height) {
		if w > 0 && h > 0 {
			b.queue.push(Event{Kind: EventSizeChanged, Width: w, Height: h})
		}
	}

	s := types.NewSurface(func() {
		if locked != nil {
			C.sck_surface_unlock(locked)
		}
	})
	s.Ptr = buf
	s.Width = w
	s.Height = h
	s.Stride = stride
	s.Format = types.BGRA8
	s.Timestamp = ts
	b.queue.push(Event{Kind: EventSurface, Surface: s})
}

//export framecastSurfaceArrived
func framecastSurfaceArrived(ctx C.uintptr_t, buf *C.uint8_t, stride, w, h C.int, tsMicros C.int64_t, locked unsafe.Pointer) {
	b := cgo.Handle(ctx).Value().(*CompositorBackend)
	b.surfaceArrived(unsafe.Pointer(buf), int(stride), int(w), int(h),
		time.Duration(tsMicros)*time.Microsecond, locked)
}

//export framecastStreamStopped
func framecastStreamStopped(ctx C.uintptr_t, reason C.int) {
	b := cgo.Handle(ctx).Value().(*CompositorBackend)
	switch reason {
	case 1:
		b.queue.push(Event{Kind: EventDeviceLost})
	default:
		b.queue.push(Event{Kind: EventTargetClosed})
	}
}
