package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// MiniaudioSource captures system audio through miniaudio. It tries the
// loopback device (what the machine is playing) and falls back to the
// default capture device on backends without loopback support.
type MiniaudioSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	channels   int

	mu  sync.Mutex
	buf []int16
}

func NewMiniaudio(sampleRate, channels int) (*MiniaudioSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("miniaudio context: %w", err)
	}
	return &MiniaudioSource{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (m *MiniaudioSource) Run(chunks chan<- *Chunk, stop <-chan struct{}) {
	onRecv := func(_, input []byte, frameCount uint32) {
		if frameCount == 0 {
			return
		}
		// the device buffer is volatile; convert and buffer right away
		m.mu.Lock()
		n := len(input) / 2
		for i := 0; i < n; i++ {
			m.buf = append(m.buf, int16(binary.LittleEndian.Uint16(input[i*2:i*2+2])))
		}
		m.mu.Unlock()
	}

	device, err := m.initDevice(onRecv, malgo.Loopback)
	if err != nil {
		device, err = m.initDevice(onRecv, malgo.Capture)
	}
	if err != nil {
		slog.Warn("audio: no usable device", "err", err)
		return
	}
	m.device = device

	if err := device.Start(); err != nil {
		slog.Warn("audio: device start failed", "err", err)
		return
	}

	start := time.Now()
	perChunk := samplesPerChunk(m.sampleRate, m.channels)
	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				pcm := m.drain(perChunk)
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

func (m *MiniaudioSource) initDevice(onRecv func(out, in []byte, n uint32), kind malgo.DeviceType) (*malgo.Device, error) {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(m.channels)
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.Alsa.NoMMap = 1

	return malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
}

func (m *MiniaudioSource) drain(count int) []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) < count {
		return nil
	}
	out := make([]int16, count)
	copy(out, m.buf[:count])
	m.buf = m.buf[count:]
	return out
}

func (m *MiniaudioSource) Close() {
	if m.device != nil {
		m.device.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
	}
}
