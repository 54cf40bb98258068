package sink

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"framecast/internal/types"
)

const (
	tcpDialTimeout  = 5 * time.Second
	tcpWriteTimeout = 2 * time.Second
	tcpMaxRetries   = 3
	tcpBaseBackoff  = 100 * time.Millisecond
)

// TCPSink streams framed records to one peer. Reliable by contract:
// OnPacket blocks until the packet is on the socket or the retry budget is
// spent, in which case the sink reports disconnection and the stream ends.
type TCPSink struct {
	cfg  Config
	log  *slog.Logger
	conn net.Conn

	sent    atomic.Uint64
	retried atomic.Uint64
}

// TCPStats are cumulative transport counters.
type TCPStats struct {
	Sent    uint64
	Retried uint64
}

func NewTCP(cfg Config, log *slog.Logger) (*TCPSink, error) {
	cfg.Protocol = ProtoTCP
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &TCPSink{cfg: cfg, log: log}, nil
}

func (s *TCPSink) OnStreamStart() error {
	conn, err := net.DialTimeout("tcp", s.cfg.Address, tcpDialTimeout)
	if err != nil {
		return fmt.Errorf("tcp sink: dial %s: %w", s.cfg.Address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.conn = conn
	s.log.Info("tcp sink connected", "addr", s.cfg.Address)
	return nil
}

func (s *TCPSink) OnPacket(pkt *types.EncodedPacket) error {
	if s.conn == nil {
		return fmt.Errorf("tcp sink: %w", types.ErrSinkDisconnected)
	}

	var lastErr error
	for attempt := 0; attempt <= tcpMaxRetries; attempt++ {
		if attempt > 0 {
			s.retried.Add(1)
			time.Sleep(backoff(attempt))
			if err := s.redial(); err != nil {
				lastErr = err
				continue
			}
		}

		s.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
		if err := WriteRecord(s.conn, pkt); err != nil {
			lastErr = err
			s.log.Warn("tcp sink write failed", "attempt", attempt, "err", err)
			continue
		}
		s.sent.Add(1)
		return nil
	}

	return fmt.Errorf("tcp sink: %w: %v", types.ErrSinkDisconnected, lastErr)
}

func (s *TCPSink) redial() error {
	if s.conn != nil {
		s.conn.Close()
	}
	conn, err := net.DialTimeout("tcp", s.cfg.Address, tcpDialTimeout)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.conn = conn
	return nil
}

func (s *TCPSink) OnStreamEnd() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Stats snapshots the transport counters; the CLI's stat loop reads them to
// decide whether the encoder bitrate should back off.
func (s *TCPSink) Stats() TCPStats {
	return TCPStats{Sent: s.sent.Load(), Retried: s.retried.Load()}
}

// backoff grows exponentially with jitter so reconnecting peers do not
// stampede.
func backoff(attempt int) time.Duration {
	d := tcpBaseBackoff << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d/2+1)))
}
