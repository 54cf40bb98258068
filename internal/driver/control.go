package driver

import "sync/atomic"

// Control lets the frame callback (or any other goroutine) ask the capture
// loop to stop. The flag is one-way: once raised it stays raised, and the
// loop checks it after every delivery.
type Control struct {
	stopped atomic.Bool
}

// Stop raises the stop flag. Safe from any goroutine, any number of times.
func (c *Control) Stop() {
	c.stopped.Store(true)
}

// Stopped reports whether stop has been requested.
func (c *Control) Stopped() bool {
	return c.stopped.Load()
}
