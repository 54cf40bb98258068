// Package sink delivers encoded packets to their destination: a container
// file, a framed TCP or UDP stream, a WebRTC or WebSocket viewer, or a
// plain callback.
package sink

import (
	"fmt"

	"framecast/internal/types"
)

// Protocol selects a delivery mechanism.
type Protocol string

const (
	ProtoFile   Protocol = "file"
	ProtoTCP    Protocol = "tcp"
	ProtoUDP    Protocol = "udp"
	ProtoWebRTC Protocol = "webrtc"
	ProtoWS     Protocol = "ws"
	ProtoNone   Protocol = "none"
)

// Quality carries the transport-relevant encoding parameters.
type Quality struct {
	VideoBitrate  int // bits per second
	AudioBitrate  int
	MaxPacketSize int // UDP datagram ceiling, bytes
}

// Config describes a network sink.
type Config struct {
	Protocol Protocol
	Address  string

	// FrameRate paces lossy transports; packets beyond it queue and then
	// drop oldest-first.
	FrameRate int

	// MaxBuffered bounds the outbound queue of lossy transports.
	MaxBuffered int

	Quality Quality
}

// DefaultConfig is tuned for a LAN viewer.
func DefaultConfig() Config {
	return Config{
		Protocol:    ProtoTCP,
		Address:     "127.0.0.1:9999",
		FrameRate:   60,
		MaxBuffered: 32,
		Quality: Quality{
			VideoBitrate:  15_000_000,
			AudioBitrate:  192_000,
			MaxPacketSize: 1400,
		},
	}
}

func (c *Config) validate() error {
	if c.Address == "" && c.Protocol != ProtoNone && c.Protocol != ProtoFile {
		return fmt.Errorf("sink config: address required for %s", c.Protocol)
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 60
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 32
	}
	if c.Quality.MaxPacketSize <= headerSize+fragHeaderSize {
		c.Quality.MaxPacketSize = 1400
	}
	return nil
}

// NullSink swallows everything. Useful for measuring the capture+encode
// half of the pipeline by itself.
type NullSink struct{}

func (NullSink) OnStreamStart() error                   { return nil }
func (NullSink) OnPacket(pkt *types.EncodedPacket) error { return nil }
func (NullSink) OnStreamEnd() error                     { return nil }
