package sink

import (
	"bytes"
	"net"
	"testing"
	"time"

	"framecast/internal/types"
)

func udpConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Protocol = ProtoUDP
	cfg.Address = addr
	return cfg
}

func TestUDPSinkFragmentsAndReassembles(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	cfg := udpConfig(pc.LocalAddr().String())
	cfg.Quality.MaxPacketSize = 256
	cfg.FrameRate = 1000

	s, err := NewUDP(cfg, nil)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := &types.EncodedPacket{
		Data:      bytes.Repeat([]byte{0xcd}, 600),
		Timestamp: 33 * time.Millisecond,
		Kind:      types.KeyFrame,
		Width:     320,
		Height:    200,
	}
	if err := s.OnPacket(want); err != nil {
		t.Fatalf("OnPacket: %v", err)
	}
	if err := s.OnStreamEnd(); err != nil {
		t.Fatalf("end: %v", err)
	}

	// 624 framed bytes over 248-byte chunks
	wantFrags := 3
	frags := make([][]byte, wantFrags)
	buf := make([]byte, 2048)
	for i := 0; i < wantFrags; i++ {
		pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read datagram %d: %v", i, err)
		}
		if n > cfg.Quality.MaxPacketSize {
			t.Errorf("datagram %d is %d bytes, above the %d ceiling", i, n, cfg.Quality.MaxPacketSize)
		}
		seq, frag, nfrags, payload, err := ParseFragment(buf[:n])
		if err != nil {
			t.Fatalf("parse datagram %d: %v", i, err)
		}
		if seq != 0 {
			t.Errorf("datagram %d seq = %d, want 0", i, seq)
		}
		if int(nfrags) != wantFrags {
			t.Fatalf("datagram %d says %d fragments, want %d", i, nfrags, wantFrags)
		}
		frags[frag] = append([]byte(nil), payload...)
	}

	var whole bytes.Buffer
	for i, f := range frags {
		if f == nil {
			t.Fatalf("fragment %d missing", i)
		}
		whole.Write(f)
	}
	got, err := ReadRecord(&whole)
	if err != nil {
		t.Fatalf("reassembled record: %v", err)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Error("reassembled payload mismatch")
	}
	if got.Timestamp != want.Timestamp || got.Kind != want.Kind || got.Width != want.Width {
		t.Errorf("reassembled header = %+v, want %+v", got, want)
	}
	if got := s.Stats().Sent; got != 1 {
		t.Errorf("Stats().Sent = %d, want 1", got)
	}
}

func TestUDPSinkDropsOldestWhenSaturated(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	cfg := udpConfig(pc.LocalAddr().String())
	cfg.MaxBuffered = 4
	cfg.FrameRate = 1 // one paced send, everything else queues

	s, err := NewUDP(cfg, nil)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const total = 50
	pkt := &types.EncodedPacket{Data: make([]byte, 64), Kind: types.DeltaFrame}
	for i := 0; i < total; i++ {
		if err := s.OnPacket(pkt); err != nil {
			t.Fatalf("OnPacket %d: %v", i, err)
		}
	}
	if err := s.OnStreamEnd(); err != nil {
		t.Fatalf("end: %v", err)
	}

	st := s.Stats()
	if st.Sent+st.Dropped != total {
		t.Errorf("sent %d + dropped %d != %d submitted", st.Sent, st.Dropped, total)
	}
	// queue of 4 plus a couple of in-flight sends is all that can survive
	if st.Dropped < uint64(total-cfg.MaxBuffered-4) {
		t.Errorf("dropped = %d, want most of the burst with a queue of %d", st.Dropped, cfg.MaxBuffered)
	}
}

func TestUDPSinkAccountsPacketsParkedBehindPacing(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	cfg := udpConfig(pc.LocalAddr().String())
	cfg.FrameRate = 1 // the write loop parks in the pacer after one send

	s, err := NewUDP(cfg, nil)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}

	const total = 6
	pkt := &types.EncodedPacket{Data: make([]byte, 64), Kind: types.DeltaFrame}
	for i := 0; i < total; i++ {
		if err := s.OnPacket(pkt); err != nil {
			t.Fatalf("OnPacket %d: %v", i, err)
		}
	}
	// give the loop time to pull a packet off the queue and block in the
	// pacer, the worst place to be interrupted
	time.Sleep(100 * time.Millisecond)
	if err := s.OnStreamEnd(); err != nil {
		t.Fatalf("end: %v", err)
	}

	st := s.Stats()
	if st.Sent+st.Dropped != total {
		t.Errorf("sent %d + dropped %d != %d submitted", st.Sent, st.Dropped, total)
	}
	if st.Sent != total {
		t.Errorf("sent = %d, want %d; the queue never filled, nothing should drop", st.Sent, total)
	}
}

func TestParseFragmentRejectsShortDatagram(t *testing.T) {
	if _, _, _, _, err := ParseFragment([]byte{1, 2, 3}); err == nil {
		t.Error("short datagram should be rejected")
	}
}
