// Package audio provides PCM capture sources. Sources hand out fixed-size
// interleaved int16 chunks (one opus frame each) with capture timestamps;
// the encoder owns the opus encoding.
package audio

import (
	"math"
	"time"
)

const (
	// ChunkDuration is the PCM unit size. 20ms is the opus sweet spot.
	ChunkDuration = 20 * time.Millisecond
)

// Chunk is one unit of captured PCM: interleaved int16 samples covering
// ChunkDuration at the source's sample rate.
type Chunk struct {
	PCM       []int16
	Timestamp time.Duration // capture clock, same epoch as the source start
}

// Source produces PCM chunks until stop closes. Run blocks; chunks the
// consumer cannot keep up with are dropped, never queued unboundedly.
type Source interface {
	Run(chunks chan<- *Chunk, stop <-chan struct{})
	Close()
}

// samplesPerChunk is the interleaved sample count of one chunk.
func samplesPerChunk(sampleRate, channels int) int {
	return sampleRate / int(time.Second/ChunkDuration) * channels
}

// ToneSource synthesizes a sine tone on a real-time clock. It stands in for
// device capture in tests and on hosts with no audio system.
type ToneSource struct {
	SampleRate int
	Channels   int
	Freq       float64
}

func NewTone(sampleRate, channels int) *ToneSource {
	return &ToneSource{SampleRate: sampleRate, Channels: channels, Freq: 440}
}

func (t *ToneSource) Run(chunks chan<- *Chunk, stop <-chan struct{}) {
	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	start := time.Now()
	var phase float64
	step := 2 * math.Pi * t.Freq / float64(t.SampleRate)
	perChunk := samplesPerChunk(t.SampleRate, t.Channels)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pcm := make([]int16, perChunk)
			for i := 0; i < perChunk; i += t.Channels {
				v := int16(math.Sin(phase) * 8000)
				for c := 0; c < t.Channels; c++ {
					pcm[i+c] = v
				}
				phase += step
			}
			c := &Chunk{PCM: pcm, Timestamp: time.Since(start)}
			select {
			case chunks <- c:
			default:
			}
		}
	}
}

func (t *ToneSource) Close() {}
