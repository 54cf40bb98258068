package types

import "errors"

// Sink error contract, shared so producers can react without importing the
// sink implementations.
var (
	// ErrSinkWouldBlock means a lossy sink refused the packet under
	// pressure. The packet is gone; the stream is fine.
	ErrSinkWouldBlock = errors.New("sink would block")

	// ErrSinkDisconnected means the sink's peer is gone for good (retry
	// budget exhausted). The stream cannot continue.
	ErrSinkDisconnected = errors.New("sink disconnected")
)
