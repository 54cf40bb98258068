package sink

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"framecast/internal/types"
)

func tcpConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	return cfg
}

func TestTCPSinkDeliversFramedRecords(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan *types.EncodedPacket, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			pkt, err := ReadRecord(conn)
			if err != nil {
				return
			}
			received <- pkt
		}
	}()

	s, err := NewTCP(tcpConfig(ln.Addr().String()), nil)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.OnStreamEnd()

	want := []*types.EncodedPacket{
		{Data: []byte{1, 2, 3}, Kind: types.KeyFrame, Width: 32, Height: 32},
		{Data: []byte{4, 5}, Timestamp: 16 * time.Millisecond, Kind: types.DeltaFrame, Width: 32, Height: 32},
	}
	for _, pkt := range want {
		if err := s.OnPacket(pkt); err != nil {
			t.Fatalf("OnPacket: %v", err)
		}
	}

	for i, w := range want {
		select {
		case got := <-received:
			if !bytes.Equal(got.Data, w.Data) || got.Kind != w.Kind || got.Timestamp != w.Timestamp {
				t.Errorf("packet %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("packet %d never arrived", i)
		}
	}

	if got := s.Stats().Sent; got != 2 {
		t.Errorf("Stats().Sent = %d, want 2", got)
	}
}

func TestTCPSinkReportsDisconnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s, err := NewTCP(tcpConfig(ln.Addr().String()), nil)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.OnStreamEnd()

	// kill the peer and the listener so redials cannot succeed
	conn := <-accepted
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0) // reset instead of fin, so writes fail fast
	}
	conn.Close()
	ln.Close()

	pkt := &types.EncodedPacket{Data: bytes.Repeat([]byte{7}, 1024), Kind: types.DeltaFrame}
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		err := s.OnPacket(pkt)
		if err == nil {
			// a write can land in the socket buffer before the reset is seen
			continue
		}
		if !errors.Is(err, types.ErrSinkDisconnected) {
			t.Fatalf("OnPacket = %v, want ErrSinkDisconnected", err)
		}
		if s.Stats().Retried == 0 {
			t.Error("expected retries before giving up")
		}
		return
	}
	t.Fatal("sink never reported disconnection")
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		base := tcpBaseBackoff << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := backoff(attempt)
			if d < base || d > base+base/2+time.Millisecond {
				t.Fatalf("backoff(%d) = %v, want within [%v, %v]", attempt, d, base, base+base/2)
			}
		}
	}
}
