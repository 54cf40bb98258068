// Package driver runs the capture session: it owns a backend, stages
// surfaces through the frame pool and delivers frames to the caller's
// handler on a single dedicated goroutine.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"framecast/internal/capture"
	"framecast/internal/pool"
	"framecast/internal/types"
)

// State is the lifecycle phase of a session.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Restarting // recovering in place: device loss or a size change
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Handler receives session callbacks. Both methods run on the capture
// goroutine. The frame passed to OnFrame is only valid until the method
// returns; use Clone to keep it.
type Handler interface {
	// OnFrame is called for every delivered frame. Returning an error ends
	// the session and the error comes back out of Run.
	OnFrame(frame *types.Frame, ctl *Control) error

	// OnClosed is called exactly once when the session ends for a reason
	// other than a caller-requested stop: target closed, unrecovered
	// device loss, or a fatal backend error (non-nil cause).
	OnClosed(cause error)
}

// Config describes a capture session.
type Config struct {
	Target   capture.Target
	Settings capture.Settings

	// NewBackend creates the backend; it is called again (once) if the
	// device is lost mid-session.
	NewBackend capture.Factory

	// PoolDepth is the number of staging buffers (minimum 2).
	PoolDepth int

	// WaitTimeout bounds each backend wait. Default 100ms.
	WaitTimeout time.Duration

	Logger *slog.Logger
}

// Stats are cumulative session counters, readable from any goroutine.
type Stats struct {
	Frames    uint64 // delivered to the handler
	Throttled uint64 // dropped by the min-update-interval gate
	NoUpdates uint64 // quiet wait windows
	Recovered uint64 // device losses survived by recreation
}

// Driver runs one capture session from Run until stop, close or error.
type Driver struct {
	id      string
	cfg     Config
	handler Handler
	log     *slog.Logger

	state atomic.Int32
	ctl   Control

	frames    atomic.Uint64
	throttled atomic.Uint64
	noUpdates atomic.Uint64
	recovered atomic.Uint64
}

// New validates the config and prepares a session in the Idle state.
func New(cfg Config, handler Handler) (*Driver, error) {
	if cfg.NewBackend == nil {
		return nil, errors.New("driver: NewBackend is required")
	}
	if handler == nil {
		return nil, errors.New("driver: handler is required")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 100 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	return &Driver{
		id:      id,
		cfg:     cfg,
		handler: handler,
		log:     log.With("session", id),
	}, nil
}

// ID is the session's unique id.
func (d *Driver) ID() string { return d.id }

// Control returns the stop handle for this session.
func (d *Driver) Control() *Control { return &d.ctl }

// State reports the current lifecycle phase.
func (d *Driver) State() State { return State(d.state.Load()) }

// Stats snapshots the session counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Throttled: d.throttled.Load(),
		NoUpdates: d.noUpdates.Load(),
		Recovered: d.recovered.Load(),
	}
}

// Run executes the capture loop on the calling goroutine and blocks until
// the session ends. The goroutine is pinned to its OS thread for the
// duration; capture APIs on some platforms care about thread identity.
// Returns nil on a stop request or target closure, the failure otherwise.
func (d *Driver) Run() error {
	if !d.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return fmt.Errorf("driver: Run called in state %s", d.State())
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer d.state.Store(int32(Stopped))

	backend, err := d.startBackend()
	if err != nil {
		d.handler.OnClosed(err)
		return err
	}
	defer func() {
		if backend != nil {
			backend.Stop()
		}
	}()

	depth := d.cfg.PoolDepth
	staging := pool.New(d.cfg.Settings.Format, depth)
	w, h := backend.Size()
	if w > 0 && h > 0 {
		if err := staging.Resize(w, h); err != nil {
			d.handler.OnClosed(err)
			return err
		}
	}

	d.state.Store(int32(Running))
	d.log.Info("capture running", "target", d.cfg.Target.String(), "size", fmt.Sprintf("%dx%d", w, h))

	var (
		recreated     bool
		lastDelivered time.Duration = -1
		lastTimestamp time.Duration
	)

	for {
		if d.ctl.Stopped() {
			d.state.Store(int32(Stopping))
			return nil
		}

		ev, err := backend.WaitEvent(d.cfg.WaitTimeout)
		if err != nil {
			err = fmt.Errorf("driver: backend wait: %w", err)
			d.handler.OnClosed(err)
			return err
		}

		switch ev.Kind {
		case capture.EventNoUpdate:
			d.noUpdates.Add(1)

		case capture.EventSizeChanged:
			d.state.Store(int32(Restarting))
			if err := staging.Resize(ev.Width, ev.Height); err != nil {
				d.handler.OnClosed(err)
				return err
			}
			d.state.Store(int32(Running))
			d.log.Info("target resized", "size", fmt.Sprintf("%dx%d", ev.Width, ev.Height))

		case capture.EventTargetClosed:
			d.state.Store(int32(Stopping))
			d.log.Info("target closed")
			d.handler.OnClosed(nil)
			return nil

		case capture.EventDeviceLost:
			if recreated {
				err := fmt.Errorf("driver: %w after recreation", capture.ErrDeviceLost)
				d.handler.OnClosed(err)
				return err
			}
			recreated = true
			d.state.Store(int32(Restarting))
			d.log.Warn("device lost, recreating backend")

			backend.Stop()
			backend, err = d.startBackend()
			if err != nil {
				err = fmt.Errorf("driver: recreate after %w: %v", capture.ErrDeviceLost, err)
				d.handler.OnClosed(err)
				return err
			}
			if w, h := backend.Size(); w > 0 && h > 0 {
				if err := staging.Resize(w, h); err != nil {
					d.handler.OnClosed(err)
					return err
				}
			}
			d.recovered.Add(1)
			d.state.Store(int32(Running))

		case capture.EventSurface:
			s := ev.Surface

			// min-update-interval gate: acknowledge and drop
			min := d.cfg.Settings.MinUpdateInterval
			if min > 0 && lastDelivered >= 0 && s.Timestamp-lastDelivered < min {
				s.Release()
				d.throttled.Add(1)
				continue
			}

			frame, err := staging.Acquire(s)
			s.Release()
			if err != nil {
				err = fmt.Errorf("driver: stage frame: %w", err)
				d.handler.OnClosed(err)
				return err
			}

			// timestamps never go backwards, even across recreation
			if frame.Timestamp < lastTimestamp {
				frame.Timestamp = lastTimestamp
			}
			lastTimestamp = frame.Timestamp

			if frame.Valid {
				lastDelivered = frame.Timestamp
				d.frames.Add(1)
			}

			if err := d.handler.OnFrame(frame, &d.ctl); err != nil {
				d.state.Store(int32(Stopping))
				return fmt.Errorf("driver: frame handler: %w", err)
			}
		}
	}
}

func (d *Driver) startBackend() (capture.Backend, error) {
	backend, err := d.cfg.NewBackend()
	if err != nil {
		return nil, fmt.Errorf("driver: create backend: %w", err)
	}
	if err := backend.Start(d.cfg.Target, d.cfg.Settings); err != nil {
		backend.Stop()
		return nil, fmt.Errorf("driver: start backend: %w", err)
	}
	return backend, nil
}
