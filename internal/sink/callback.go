package sink

import "framecast/internal/types"

// CallbackSink adapts plain functions to the sink interface for embedders
// that want the packets in-process. Nil funcs are no-ops.
type CallbackSink struct {
	StartFunc  func() error
	PacketFunc func(pkt *types.EncodedPacket) error
	EndFunc    func() error
}

func (c *CallbackSink) OnStreamStart() error {
	if c.StartFunc == nil {
		return nil
	}
	return c.StartFunc()
}

func (c *CallbackSink) OnPacket(pkt *types.EncodedPacket) error {
	if c.PacketFunc == nil {
		return nil
	}
	return c.PacketFunc(pkt)
}

func (c *CallbackSink) OnStreamEnd() error {
	if c.EndFunc == nil {
		return nil
	}
	return c.EndFunc()
}
