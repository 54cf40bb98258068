package encode

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"framecast/internal/types"
)

// NullSession is a deterministic packetizer with no codec behind it. Each
// frame becomes one small packet carrying the frame's dimensions and a
// content digest; keyframes fall on the GOP boundary. Useful for tests and
// for exercising sinks on hosts without a hardware encoder.
type NullSession struct {
	settings VideoSettings
	count    uint64
	bitrate  int
	started  bool
}

func NewNullSession() *NullSession {
	return &NullSession{}
}

func (n *NullSession) Start(v VideoSettings) error {
	if err := v.validate(); err != nil {
		return err
	}
	n.settings = v
	n.bitrate = v.Bitrate
	n.started = true
	return nil
}

func (n *NullSession) Encode(s *sample) ([]*types.EncodedPacket, error) {
	if !n.started {
		return nil, fmt.Errorf("null session: not started")
	}

	h := fnv.New64a()
	h.Write(s.data)

	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:], uint32(s.width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.height))
	binary.LittleEndian.PutUint64(buf[8:], n.count)
	binary.LittleEndian.PutUint64(buf[16:], h.Sum64())
	binary.LittleEndian.PutUint32(buf[24:], uint32(n.bitrate/1000))

	kind := types.DeltaFrame
	if n.count%uint64(n.settings.gop()) == 0 {
		kind = types.KeyFrame
	}
	n.count++

	return []*types.EncodedPacket{{
		Data:      buf,
		Timestamp: s.timestamp,
		Kind:      kind,
		Width:     s.width,
		Height:    s.height,
	}}, nil
}

func (n *NullSession) Flush() ([]*types.EncodedPacket, error) { return nil, nil }

func (n *NullSession) SetBitrate(bps int) { n.bitrate = bps }

func (n *NullSession) Close() { n.started = false }
