package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"framecast/internal/capture"
	"framecast/internal/pool"
	"framecast/internal/types"
)

type frameRec struct {
	width, height int
	timestamp     time.Duration
	valid         bool
}

// captureLog records handler callbacks and stops the session once stopAfter
// valid frames have arrived.
type captureLog struct {
	mu        sync.Mutex
	frames    []frameRec
	closed    []error
	stopAfter int
	onFrame   func(*types.Frame, *Control) error
	onClosed  func(error)
}

func (c *captureLog) OnFrame(f *types.Frame, ctl *Control) error {
	c.mu.Lock()
	c.frames = append(c.frames, frameRec{f.Width, f.Height, f.Timestamp, f.Valid})
	valid := 0
	for _, r := range c.frames {
		if r.valid {
			valid++
		}
	}
	c.mu.Unlock()
	if c.stopAfter > 0 && valid >= c.stopAfter {
		ctl.Stop()
	}
	if c.onFrame != nil {
		return c.onFrame(f, ctl)
	}
	return nil
}

func (c *captureLog) OnClosed(cause error) {
	c.mu.Lock()
	c.closed = append(c.closed, cause)
	c.mu.Unlock()
	if c.onClosed != nil {
		c.onClosed(cause)
	}
}

func (c *captureLog) snapshot() ([]frameRec, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frameRec(nil), c.frames...), append([]error(nil), c.closed...)
}

func newDriver(t *testing.T, factory capture.Factory, settings capture.Settings, h Handler) *Driver {
	t.Helper()
	d, err := New(Config{
		Target:      capture.DisplayTarget(0),
		Settings:    settings,
		NewBackend:  factory,
		WaitTimeout: 10 * time.Millisecond,
	}, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func singleBackend(b capture.Backend) capture.Factory {
	return func() (capture.Backend, error) { return b, nil }
}

func TestDeliversFramesUntilStop(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	h := &captureLog{stopAfter: 5}
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != Stopped {
		t.Errorf("state = %s, want stopped", d.State())
	}

	frames, closed := h.snapshot()
	if len(frames) < 5 {
		t.Fatalf("got %d frames, want at least 5", len(frames))
	}
	if len(closed) != 0 {
		t.Errorf("OnClosed fired %d times on a caller stop, want 0", len(closed))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].timestamp < frames[i-1].timestamp {
			t.Errorf("timestamp regressed: %v after %v", frames[i].timestamp, frames[i-1].timestamp)
		}
	}
	if got := d.Stats().Frames; got < 5 {
		t.Errorf("Stats().Frames = %d, want >= 5", got)
	}
}

func TestMinUpdateIntervalThrottles(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	h := &captureLog{stopAfter: 4}
	d := newDriver(t, singleBackend(b), capture.Settings{
		Format:            types.RGBA8,
		MinUpdateInterval: 25 * time.Millisecond,
	}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames, _ := h.snapshot()
	for i := 1; i < len(frames); i++ {
		if delta := frames[i].timestamp - frames[i-1].timestamp; delta < 25*time.Millisecond {
			t.Errorf("frames %v apart, want >= 25ms", delta)
		}
	}
	if d.Stats().Throttled == 0 {
		t.Error("expected throttled surfaces with 10ms updates and a 25ms gate")
	}
	if b.Releases() == 0 {
		t.Error("throttled surfaces must still be released")
	}
}

func TestSizeChangeRepoolsNextFrame(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	h := &captureLog{stopAfter: 3}
	var d *Driver
	h.onFrame = func(f *types.Frame, ctl *Control) error {
		h.mu.Lock()
		n := len(h.frames)
		h.mu.Unlock()
		if n == 1 {
			b.InjectResize(9, 3)
			return nil
		}
		// the resize passes through Restarting and settles back here
		if got := d.State(); got != Running {
			t.Errorf("state = %s while delivering after a resize, want running", got)
		}
		return nil
	}
	d = newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames, _ := h.snapshot()
	last := frames[len(frames)-1]
	if last.width != 9 || last.height != 3 {
		t.Errorf("frame after resize is %dx%d, want 9x3", last.width, last.height)
	}
}

func TestSizeChangeEntersRestarting(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	b.InjectResize(0, -1) // the repool will be rejected

	h := &captureLog{}
	var d *Driver
	during := Idle
	h.onClosed = func(error) { during = d.State() }
	d = newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	err := d.Run()
	if !errors.Is(err, pool.ErrBadDimensions) {
		t.Fatalf("Run = %v, want the repool failure", err)
	}
	if during != Restarting {
		t.Errorf("state while the resize was in flight = %s, want restarting", during)
	}
}

func TestTargetClosedEndsSessionCleanly(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 0)
	b.InjectTargetClosed()
	h := &captureLog{}
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, closed := h.snapshot()
	if len(closed) != 1 {
		t.Fatalf("OnClosed fired %d times, want exactly 1", len(closed))
	}
	if closed[0] != nil {
		t.Errorf("OnClosed cause = %v, want nil for target closure", closed[0])
	}
}

func TestDeviceLostRecoversOnce(t *testing.T) {
	first := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	first.InjectDeviceLost()
	second := capture.NewSynthetic(4, 2, 10*time.Millisecond)

	calls := 0
	factory := func() (capture.Backend, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	h := &captureLog{stopAfter: 3}
	d := newDriver(t, factory, capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
	if got := d.Stats().Recovered; got != 1 {
		t.Errorf("Stats().Recovered = %d, want 1", got)
	}
	frames, closed := h.snapshot()
	if len(closed) != 0 {
		t.Errorf("OnClosed fired %d times across a survived loss, want 0", len(closed))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].timestamp < frames[i-1].timestamp {
			t.Errorf("timestamp regressed across recreation: %v after %v",
				frames[i].timestamp, frames[i-1].timestamp)
		}
	}
}

func TestDeviceLostRecreationFailure(t *testing.T) {
	boom := errors.New("no adapters")
	first := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	first.InjectDeviceLost()
	second := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	second.FailNextStart(boom)

	calls := 0
	factory := func() (capture.Backend, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	h := &captureLog{}
	d := newDriver(t, factory, capture.Settings{Format: types.RGBA8}, h)

	err := d.Run()
	if err == nil {
		t.Fatal("Run should fail when recreation fails")
	}
	if !errors.Is(err, capture.ErrDeviceLost) {
		t.Errorf("error %v should wrap ErrDeviceLost", err)
	}
	_, closed := h.snapshot()
	if len(closed) != 1 || closed[0] == nil {
		t.Errorf("OnClosed = %v, want exactly one non-nil cause", closed)
	}
}

func TestSecondDeviceLossIsFatal(t *testing.T) {
	first := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	first.InjectDeviceLost()
	second := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	second.InjectDeviceLost()

	calls := 0
	factory := func() (capture.Backend, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	h := &captureLog{}
	d := newDriver(t, factory, capture.Settings{Format: types.RGBA8}, h)

	err := d.Run()
	if !errors.Is(err, capture.ErrDeviceLost) {
		t.Fatalf("Run = %v, want ErrDeviceLost after a second loss", err)
	}
	if got := d.Stats().Recovered; got != 1 {
		t.Errorf("Stats().Recovered = %d, want 1", got)
	}
	_, closed := h.snapshot()
	if len(closed) != 1 {
		t.Errorf("OnClosed fired %d times, want exactly 1", len(closed))
	}
}

func TestWarmupFramesArriveInvalid(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	b.SetWarmup(2)
	h := &captureLog{stopAfter: 1}
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	frames, _ := h.snapshot()
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want warmup pair plus one real", len(frames))
	}
	if frames[0].valid || frames[1].valid {
		t.Error("warmup frames should be invalid")
	}
	if !frames[len(frames)-1].valid {
		t.Error("post-warmup frame should be valid")
	}
}

func TestHandlerErrorComesOutOfRun(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	boom := errors.New("handler gave up")
	h := &captureLog{}
	h.onFrame = func(*types.Frame, *Control) error { return boom }
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	err := d.Run()
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want the handler's error", err)
	}
	_, closed := h.snapshot()
	if len(closed) != 0 {
		t.Errorf("OnClosed fired %d times for a handler error, want 0", len(closed))
	}
}

func TestStartFailureReportsCause(t *testing.T) {
	denied := capture.ErrPermissionDenied
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	b.FailNextStart(denied)
	h := &captureLog{}
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	err := d.Run()
	if !errors.Is(err, denied) {
		t.Fatalf("Run = %v, want ErrPermissionDenied", err)
	}
	_, closed := h.snapshot()
	if len(closed) != 1 || !errors.Is(closed[0], denied) {
		t.Errorf("OnClosed = %v, want the start failure", closed)
	}
}

func TestRunIsSingleUse(t *testing.T) {
	b := capture.NewSynthetic(4, 2, 10*time.Millisecond)
	h := &captureLog{stopAfter: 1}
	d := newDriver(t, singleBackend(b), capture.Settings{Format: types.RGBA8}, h)

	if err := d.Run(); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := d.Run(); err == nil {
		t.Error("second Run should be rejected")
	}
}
