package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"framecast/internal/types"
)

const (
	wsSendBudget   = 16 // per-client outbound queue
	wsWriteTimeout = time.Second
)

// WSSink broadcasts framed records to every connected WebSocket client as
// binary messages, one record per message. Clients that cannot keep up are
// disconnected rather than allowed to buffer the stream into memory.
type WSSink struct {
	addr string
	log  *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	httpSrv *http.Server
	closed  bool
}

type wsClient struct {
	conn  *websocket.Conn
	sendQ chan []byte
	done  chan struct{}
}

func NewWS(addr string, log *slog.Logger) (*WSSink, error) {
	if addr == "" {
		return nil, fmt.Errorf("ws sink: address required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WSSink{
		addr:    addr,
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}, nil
}

func (s *WSSink) OnStreamStart() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("ws sink: listen %s: %w", s.addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("ws sink listening", "addr", s.addr)
	return nil
}

// OnPacket fans the record out. No clients is not an error; the packet
// just has nowhere to go.
func (s *WSSink) OnPacket(pkt *types.EncodedPacket) error {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(pkt.Data))
	if err := WriteRecord(&buf, pkt); err != nil {
		return err
	}
	msg := buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.sendQ <- msg:
		default:
			// slow consumer: cut it loose instead of queueing the stream
			s.log.Warn("ws client too slow, dropping")
			close(c.done)
			delete(s.clients, c)
		}
	}
	return nil
}

func (s *WSSink) OnStreamEnd() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.done)
	}
	s.clients = map[*wsClient]struct{}{}
	srv := s.httpSrv
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (s *WSSink) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("ws accept failed", "err", err)
		return
	}

	c := &wsClient{
		conn:  conn,
		sendQ: make(chan []byte, wsSendBudget),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "stream ended")
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("ws client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg := <-c.sendQ:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, msg)
			cancel()
			if err != nil {
				s.log.Debug("ws write failed", "err", err)
				return
			}
		}
	}
}
