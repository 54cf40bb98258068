package sink

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"

	"framecast/internal/types"
)

// freeAddr grabs an unused loopback port. There is a small window between
// closing the probe listener and the sink binding it, acceptable in tests.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestWSSinkBroadcastsRecords(t *testing.T) {
	addr := freeAddr(t)
	s, err := NewWS(addr, nil)
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.OnStreamEnd()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/stream", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	want := &types.EncodedPacket{
		Data:      []byte{1, 2, 3, 4},
		Timestamp: 16 * time.Millisecond,
		Kind:      types.KeyFrame,
		Width:     32,
		Height:    32,
	}

	// the handler registers the client asynchronously after the handshake;
	// keep sending until the fanout picks it up
	got := make(chan []byte, 1)
	go func() {
		typ, msg, err := conn.Read(ctx)
		if err == nil && typ == websocket.MessageBinary {
			got <- msg
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := s.OnPacket(want); err != nil {
			t.Fatalf("OnPacket: %v", err)
		}
		select {
		case msg := <-got:
			pkt, err := ReadRecord(bytes.NewReader(msg))
			if err != nil {
				t.Fatalf("parse broadcast: %v", err)
			}
			if !bytes.Equal(pkt.Data, want.Data) || pkt.Kind != want.Kind || pkt.Timestamp != want.Timestamp {
				t.Errorf("broadcast = %+v, want %+v", pkt, want)
			}
			return
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("client never received a broadcast")
			}
		}
	}
}

func TestWSSinkEndIsIdempotent(t *testing.T) {
	s, err := NewWS(freeAddr(t), nil)
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.OnStreamEnd(); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := s.OnStreamEnd(); err != nil {
		t.Fatalf("second end: %v", err)
	}
}

func TestWSSinkPacketWithoutClients(t *testing.T) {
	s, err := NewWS(freeAddr(t), nil)
	if err != nil {
		t.Fatalf("NewWS: %v", err)
	}
	if err := s.OnStreamStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.OnStreamEnd()

	if err := s.OnPacket(&types.EncodedPacket{Data: []byte{1}}); err != nil {
		t.Errorf("OnPacket with no clients = %v, want nil", err)
	}
}
