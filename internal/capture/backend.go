// Package capture provides the per-OS screen capture backends and the
// target/settings model shared by all of them.
package capture

import (
	"errors"
	"fmt"
	"time"

	"framecast/internal/types"
)

var (
	ErrTargetNotFound    = errors.New("capture target not found")
	ErrTargetClosed      = errors.New("capture target closed")
	ErrDeviceLost        = errors.New("capture device lost")
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrUnsupportedOption = errors.New("capture option not supported by backend")
	ErrStopped           = errors.New("capture backend stopped")
)

// EventKind tags a backend event.
type EventKind int

const (
	// EventSurface carries a surface ready for staging.
	EventSurface EventKind = iota
	// EventNoUpdate means the wait window elapsed with no screen change.
	// Idle screens produce long runs of these; they are not errors.
	EventNoUpdate
	// EventSizeChanged reports new target dimensions. The surface that
	// triggered it is not delivered; the next EventSurface already has the
	// new size.
	EventSizeChanged
	// EventTargetClosed means the captured window or display went away.
	EventTargetClosed
	// EventDeviceLost means the graphics device was reset or removed.
	// Recoverable by recreating the backend.
	EventDeviceLost
)

func (k EventKind) String() string {
	switch k {
	case EventSurface:
		return "surface"
	case EventNoUpdate:
		return "no-update"
	case EventSizeChanged:
		return "size-changed"
	case EventTargetClosed:
		return "target-closed"
	case EventDeviceLost:
		return "device-lost"
	}
	return "unknown"
}

// Event is one observation from a backend's wait loop.
type Event struct {
	Kind    EventKind
	Surface *types.Surface // EventSurface only
	Width   int            // EventSizeChanged only
	Height  int
}

// Backend is one OS capture mechanism bound to a single target. Start may
// only be called once; after Stop the backend is dead and a fresh one must
// be created. WaitEvent is called from a single goroutine.
//
// Push-style backends (compositor capture) receive frames on an OS thread
// and hand them over through an eventQueue; pull-style backends
// (duplication, XShm, screenshot) block inside WaitEvent itself.
type Backend interface {
	Start(target Target, settings Settings) error

	// WaitEvent blocks up to timeout for the next event. A quiet screen
	// yields EventNoUpdate, never an error; errors are reserved for
	// unexpected backend failures.
	WaitEvent(timeout time.Duration) (Event, error)

	// Size reports the current target dimensions.
	Size() (width, height int)

	// Format is the pixel format of delivered surfaces.
	Format() types.PixelFormat

	// Stop tears the backend down and releases OS resources. Idempotent.
	Stop()
}

// Factory creates a backend for a target. The driver uses it both for the
// initial start and for the single automatic recreation after device loss.
type Factory func() (Backend, error)

// Target identifies what to capture: a display by index or a window by
// OS-level id. The zero value is the primary display.
type Target struct {
	Display int
	Window  uint64
}

func DisplayTarget(index int) Target { return Target{Display: index} }
func WindowTarget(id uint64) Target  { return Target{Window: id} }

func (t Target) IsWindow() bool { return t.Window != 0 }

func (t Target) String() string {
	if t.IsWindow() {
		return fmt.Sprintf("window:%d", t.Window)
	}
	return fmt.Sprintf("display:%d", t.Display)
}
