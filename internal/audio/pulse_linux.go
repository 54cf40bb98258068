//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// PulseSource records the monitor of the default sink, i.e. whatever the
// desktop is playing.
type PulseSource struct {
	client     *pulse.Client
	stream     *pulse.RecordStream
	sampleRate int
	channels   int
}

// pcmCollector implements pulse.Writer; the record stream pushes raw S16LE
// bytes into it from the pulse client goroutine.
type pcmCollector struct {
	mu  sync.Mutex
	buf []int16
}

func (p *pcmCollector) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data) / 2
	for i := 0; i < n; i++ {
		p.buf = append(p.buf, int16(binary.LittleEndian.Uint16(data[i*2:i*2+2])))
	}
	return len(data), nil
}

func (p *pcmCollector) Format() byte { return proto.FormatInt16LE }

// drain removes and returns exactly count samples, or nil if not enough
// have accumulated.
func (p *pcmCollector) drain(count int) []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) < count {
		return nil
	}
	out := make([]int16, count)
	copy(out, p.buf[:count])
	p.buf = p.buf[count:]
	return out
}

// NewPulse connects to PulseAudio (or pipewire-pulse).
func NewPulse(sampleRate, channels int) (*PulseSource, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("framecast"),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse connect: %w", err)
	}
	return &PulseSource{
		client:     client,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (p *PulseSource) Run(chunks chan<- *Chunk, stop <-chan struct{}) {
	collector := &pcmCollector{}

	sink, err := p.client.DefaultSink()
	if err != nil {
		slog.Warn("audio: no default sink", "err", err)
		return
	}

	perChunk := samplesPerChunk(p.sampleRate, p.channels)

	opts := []pulse.RecordOption{
		pulse.RecordMonitor(sink),
		pulse.RecordSampleRate(p.sampleRate),
		pulse.RecordBufferFragmentSize(uint32(perChunk * 2)),
	}
	if p.channels == 2 {
		opts = append(opts, pulse.RecordStereo)
	} else {
		opts = append(opts, pulse.RecordMono)
	}

	stream, err := p.client.NewRecord(collector, opts...)
	if err != nil {
		slog.Warn("audio: record stream failed", "err", err)
		return
	}
	p.stream = stream
	stream.Start()

	start := time.Now()
	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// drain everything available so a missed tick doesn't build
			// up latency
			for {
				pcm := collector.drain(perChunk)
				if pcm == nil {
					break
				}
				c := &Chunk{PCM: pcm, Timestamp: time.Since(start)}
				select {
				case chunks <- c:
				default:
				}
			}
		}
	}
}

func (p *PulseSource) Close() {
	if p.stream != nil {
		p.stream.Stop()
	}
	p.client.Close()
}
