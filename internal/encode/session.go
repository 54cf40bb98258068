package encode

import (
	"time"

	"framecast/internal/types"
)

// sample is one frame copied out of its staging buffer, queued for the
// session worker.
type sample struct {
	data      []byte
	width     int
	height    int
	stride    int
	timestamp time.Duration
}

// Session is a codec session. Every method, SetBitrate included, is called
// from the single encoder worker goroutine; implementations never need
// their own locking. Encode may buffer: zero packets out for a frame in is
// normal, as is more than one packet when the codec drains.
type Session interface {
	Start(v VideoSettings) error
	Encode(s *sample) ([]*types.EncodedPacket, error)
	Flush() ([]*types.EncodedPacket, error)
	SetBitrate(bitsPerSecond int)
	Close()
}
