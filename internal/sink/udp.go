package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"framecast/internal/types"
)

// fragHeaderSize prefixes every datagram: {seq u32, frag u16, nfrags u16}.
// Receivers reassemble by sequence number and drop incomplete sequences.
const fragHeaderSize = 8

// UDPSink streams framed records as fragmented datagrams. Lossy by
// contract: OnPacket never blocks, packets beyond the buffer are dropped
// oldest-first, and delivery is paced to the configured frame rate so a
// burst cannot flood the network.
type UDPSink struct {
	cfg     Config
	log     *slog.Logger
	conn    net.Conn
	queue   chan *types.EncodedPacket
	limiter *rate.Limiter

	seq     uint32
	dropped atomic.Uint64
	sent    atomic.Uint64

	cancel  context.CancelFunc
	done    chan struct{}
	endOnce sync.Once
	mu      sync.Mutex // guards drop-oldest against concurrent enqueues
}

// UDPStats are cumulative transport counters.
type UDPStats struct {
	Sent    uint64
	Dropped uint64
}

func NewUDP(cfg Config, log *slog.Logger) (*UDPSink, error) {
	cfg.Protocol = ProtoUDP
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &UDPSink{
		cfg:     cfg,
		log:     log,
		queue:   make(chan *types.EncodedPacket, cfg.MaxBuffered),
		limiter: rate.NewLimiter(rate.Limit(cfg.FrameRate), cfg.FrameRate),
	}, nil
}

func (s *UDPSink) OnStreamStart() error {
	conn, err := net.Dial("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("udp sink: dial %s: %w", s.cfg.Address, err)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.writeLoop(ctx)

	s.log.Info("udp sink started", "addr", s.cfg.Address,
		"max_datagram", s.cfg.Quality.MaxPacketSize)
	return nil
}

// OnPacket enqueues and returns immediately. Memory stays bounded: a full
// queue evicts its oldest packet.
func (s *UDPSink) OnPacket(pkt *types.EncodedPacket) error {
	if s.conn == nil {
		return fmt.Errorf("udp sink: %w", types.ErrSinkDisconnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.queue <- pkt:
			return nil
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *UDPSink) OnStreamEnd() error {
	var err error
	s.endOnce.Do(func() {
		if s.conn == nil {
			return
		}
		s.cancel()
		<-s.done
		err = s.conn.Close()
		if d := s.dropped.Load(); d > 0 {
			s.log.Info("udp sink done", "sent", s.sent.Load(), "dropped", d)
		}
	})
	return err
}

// Stats snapshots the transport counters.
func (s *UDPSink) Stats() UDPStats {
	return UDPStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *UDPSink) writeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flushUnpaced()
			return
		case pkt := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				// canceled while parked behind the pacer; the in-hand
				// packet still goes out before the final flush
				s.send(pkt)
				s.flushUnpaced()
				return
			}
			s.send(pkt)
		}
	}
}

// flushUnpaced drains the queue without pacing. The stream is ending;
// every remaining packet ends up in sent or dropped, never stranded.
func (s *UDPSink) flushUnpaced() {
	for {
		select {
		case pkt := <-s.queue:
			s.send(pkt)
		default:
			return
		}
	}
}

// send frames the packet and splits it across datagrams of at most
// MaxPacketSize bytes. Send errors are dropped packets, nothing more; UDP
// owes no delivery.
func (s *UDPSink) send(pkt *types.EncodedPacket) {
	payload := make([]byte, headerSize+len(pkt.Data))
	putHeader(payload, pkt)
	copy(payload[headerSize:], pkt.Data)

	chunk := s.cfg.Quality.MaxPacketSize - fragHeaderSize
	nfrags := (len(payload) + chunk - 1) / chunk
	seq := s.seq
	s.seq++

	datagram := make([]byte, s.cfg.Quality.MaxPacketSize)
	for i := 0; i < nfrags; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		binary.LittleEndian.PutUint32(datagram[0:], seq)
		binary.LittleEndian.PutUint16(datagram[4:], uint16(i))
		binary.LittleEndian.PutUint16(datagram[6:], uint16(nfrags))
		n := copy(datagram[fragHeaderSize:], payload[lo:hi])

		if _, err := s.conn.Write(datagram[:fragHeaderSize+n]); err != nil {
			s.dropped.Add(1)
			return
		}
	}
	s.sent.Add(1)
}

// ParseFragment splits a datagram into its sequence header and payload
// slice. Receivers and tests share it.
func ParseFragment(datagram []byte) (seq uint32, frag, nfrags uint16, payload []byte, err error) {
	if len(datagram) < fragHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("udp fragment: short datagram (%d bytes)", len(datagram))
	}
	seq = binary.LittleEndian.Uint32(datagram[0:])
	frag = binary.LittleEndian.Uint16(datagram[4:])
	nfrags = binary.LittleEndian.Uint16(datagram[6:])
	return seq, frag, nfrags, datagram[fragHeaderSize:], nil
}
