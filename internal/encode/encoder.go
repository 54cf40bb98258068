// Package encode turns staged frames and PCM into encoded packets and
// feeds them to a sink. One worker goroutine owns the codec session;
// submissions cross into it through bounded queues.
package encode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"

	"framecast/internal/types"
)

var (
	// ErrBusy means the submission queue is full. The frame was not taken;
	// the caller decides whether to drop or retry.
	ErrBusy = errors.New("encoder busy")

	// ErrFinished means Finish has been called; no more submissions.
	ErrFinished = errors.New("encoder finished")
)

// audioChunk is one PCM unit queued for the worker.
type audioChunk struct {
	pcm       []int16
	timestamp time.Duration
}

// Encoder schedules frames into a codec session and packets into a sink.
//
// Lifecycle: New → Start → Submit/SubmitAudio from the capture callback →
// Finish. Finish is idempotent; the first call drains the queues, flushes
// the session and ends the sink stream, later calls return the same result.
type Encoder struct {
	cfg     Config
	session Session
	sink    types.FrameSink
	log     *slog.Logger

	queue  chan *sample
	audioQ chan *audioChunk
	bufs   sync.Pool // sample pixel buffers, recycled after encode

	opusEnc *opus.Encoder
	opusBuf []byte

	started     atomic.Bool
	finished    atomic.Bool
	failure     atomic.Pointer[error] // first unrecoverable sink/session error
	pendingRate atomic.Int64          // bitrate retune waiting for the worker

	finishCh   chan struct{}
	workerDone chan struct{}
	finishOnce sync.Once
	finishErr  error

	// worker-local timeline state
	epoch     time.Duration
	hasEpoch  bool
	lastVideo time.Duration
	lastEmit  time.Duration

	framesIn    atomic.Uint64
	framesDrop  atomic.Uint64 // per-frame encode failures
	audioDrop   atomic.Uint64 // skew resync drops
	packetsOut  atomic.Uint64
	sinkRefused atomic.Uint64 // sink said would-block
}

// EncoderStats are cumulative counters, readable from any goroutine.
type EncoderStats struct {
	FramesIn      uint64
	FramesDropped uint64
	AudioDropped  uint64
	PacketsOut    uint64
	SinkRefused   uint64
}

// New wires a session to a sink. Nothing runs until Start.
func New(session Session, sink types.FrameSink, cfg Config, log *slog.Logger) (*Encoder, error) {
	if session == nil || sink == nil {
		return nil, errors.New("encoder: session and sink are required")
	}
	if err := cfg.Video.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Audio.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	e := &Encoder{
		cfg:        cfg,
		session:    session,
		sink:       sink,
		log:        log,
		queue:      make(chan *sample, cfg.QueueCap),
		audioQ:     make(chan *audioChunk, cfg.QueueCap*2),
		finishCh:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}

	if cfg.Audio.Enabled {
		enc, err := opus.NewEncoder(cfg.Audio.SampleRate, cfg.Audio.Channels, opus.AppAudio)
		if err != nil {
			return nil, fmt.Errorf("encoder: opus init: %w", err)
		}
		if err := enc.SetBitrate(cfg.Audio.Bitrate); err != nil {
			return nil, fmt.Errorf("encoder: opus bitrate: %w", err)
		}
		e.opusEnc = enc
		e.opusBuf = make([]byte, 4000)
	}

	return e, nil
}

// Start opens the sink stream, starts the session and launches the worker.
func (e *Encoder) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("encoder: already started")
	}
	if err := e.session.Start(e.cfg.Video); err != nil {
		return fmt.Errorf("encoder: session start: %w", err)
	}
	if err := e.sink.OnStreamStart(); err != nil {
		e.session.Close()
		return fmt.Errorf("encoder: sink start: %w", err)
	}
	go e.worker()
	return nil
}

// Submit queues a frame for encoding. The frame's pixels are copied before
// Submit returns, so the staging buffer may be reused immediately. Returns
// ErrBusy when the queue is full (the frame is dropped by the caller, not
// lost silently inside), ErrFinished after Finish, or the stored failure if
// the pipeline already broke.
func (e *Encoder) Submit(frame *types.Frame) error {
	if e.finished.Load() {
		return ErrFinished
	}
	if errp := e.failure.Load(); errp != nil {
		return *errp
	}
	if !frame.Valid {
		return nil
	}

	s := e.takeSample(len(frame.Data))
	copy(s.data, frame.Data)
	s.width = frame.Width
	s.height = frame.Height
	s.stride = frame.Stride
	s.timestamp = frame.Timestamp

	select {
	case e.queue <- s:
		e.framesIn.Add(1)
		return nil
	default:
		e.putSample(s)
		return ErrBusy
	}
}

// SubmitAudio queues one PCM unit (interleaved int16, one opus frame worth
// of samples). The slice is copied.
func (e *Encoder) SubmitAudio(pcm []int16, timestamp time.Duration) error {
	if e.opusEnc == nil {
		return errors.New("encoder: audio disabled")
	}
	if e.finished.Load() {
		return ErrFinished
	}
	if errp := e.failure.Load(); errp != nil {
		return *errp
	}

	c := &audioChunk{pcm: append([]int16(nil), pcm...), timestamp: timestamp}
	select {
	case e.audioQ <- c:
		return nil
	default:
		e.audioDrop.Add(1)
		return ErrBusy
	}
}

// SetBitrate retunes the video bitrate mid-stream. The worker applies it
// before the next frame; codec state is only ever touched from that
// goroutine.
func (e *Encoder) SetBitrate(bitsPerSecond int) {
	e.pendingRate.Store(int64(bitsPerSecond))
}

// Finish drains pending work, flushes the session, finalizes the sink and
// releases the session. Idempotent: the stream is ended once and every call
// returns the same result.
func (e *Encoder) Finish() error {
	e.finishOnce.Do(func() {
		e.finished.Store(true)
		if !e.started.Load() {
			e.finishErr = errors.New("encoder: never started")
			return
		}
		close(e.finishCh)
		<-e.workerDone
		e.session.Close()
		if errp := e.failure.Load(); errp != nil {
			e.finishErr = *errp
		}
	})
	return e.finishErr
}

// Stats snapshots the counters.
func (e *Encoder) Stats() EncoderStats {
	return EncoderStats{
		FramesIn:      e.framesIn.Load(),
		FramesDropped: e.framesDrop.Load(),
		AudioDropped:  e.audioDrop.Load(),
		PacketsOut:    e.packetsOut.Load(),
		SinkRefused:   e.sinkRefused.Load(),
	}
}

func (e *Encoder) worker() {
	defer close(e.workerDone)
	for {
		select {
		case s := <-e.queue:
			e.processVideo(s)
		case c := <-e.audioQ:
			e.processAudio(c)
		case <-e.finishCh:
			e.drain()
			return
		}
	}
}

// drain empties both queues, flushes the codec and ends the sink stream.
func (e *Encoder) drain() {
	for {
		select {
		case s := <-e.queue:
			e.processVideo(s)
			continue
		default:
		}
		select {
		case c := <-e.audioQ:
			e.processAudio(c)
			continue
		default:
		}
		break
	}

	pkts, err := e.session.Flush()
	if err != nil {
		e.log.Warn("session flush failed", "err", err)
	}
	for _, pkt := range pkts {
		pkt.Timestamp = e.lastEmit
		e.emit(pkt)
	}

	if err := e.sink.OnStreamEnd(); err != nil {
		e.fail(fmt.Errorf("encoder: sink end: %w", err))
	}
}

func (e *Encoder) processVideo(s *sample) {
	if bps := e.pendingRate.Swap(0); bps != 0 {
		e.session.SetBitrate(int(bps))
	}

	ts := e.rebase(s.timestamp)
	e.lastVideo = ts

	pkts, err := e.session.Encode(s)
	e.putSample(s)
	if err != nil {
		// one bad frame does not end the session
		e.framesDrop.Add(1)
		e.log.Warn("frame encode failed, dropped", "err", err)
		return
	}
	for _, pkt := range pkts {
		// the session's clock is raw; the encoder owns the rebased timeline
		pkt.Timestamp = ts
		e.emit(pkt)
	}
}

func (e *Encoder) processAudio(c *audioChunk) {
	ts := e.rebase(c.timestamp)

	// audio fell too far behind the video clock: drop this unit and let
	// the timeline close the gap
	if e.lastVideo-ts > e.cfg.AVSyncThreshold {
		e.audioDrop.Add(1)
		e.log.Debug("audio unit dropped for resync",
			"audio", ts, "video", e.lastVideo)
		return
	}

	n, err := e.opusEnc.Encode(c.pcm, e.opusBuf)
	if err != nil {
		e.log.Warn("opus encode failed, unit dropped", "err", err)
		return
	}
	data := make([]byte, n)
	copy(data, e.opusBuf[:n])

	e.emit(&types.EncodedPacket{
		Data:      data,
		Timestamp: ts,
		Kind:      types.AudioFrame,
	})
}

// rebase shifts session timestamps so the first sample lands at zero.
func (e *Encoder) rebase(ts time.Duration) time.Duration {
	if !e.hasEpoch {
		e.epoch = ts
		e.hasEpoch = true
	}
	rel := ts - e.epoch
	if rel < 0 {
		rel = 0
	}
	return rel
}

// emit hands one packet to the sink, keeping the packet timeline
// non-decreasing.
func (e *Encoder) emit(pkt *types.EncodedPacket) {
	if pkt.Timestamp < e.lastEmit {
		pkt.Timestamp = e.lastEmit
	}
	e.lastEmit = pkt.Timestamp

	err := e.sink.OnPacket(pkt)
	switch {
	case err == nil:
		e.packetsOut.Add(1)
	case errors.Is(err, types.ErrSinkWouldBlock):
		// lossy sink under pressure; packet dropped by contract
		e.sinkRefused.Add(1)
	default:
		e.fail(fmt.Errorf("encoder: sink: %w", err))
	}
}

// fail records the first unrecoverable error; later submissions return it.
func (e *Encoder) fail(err error) {
	e.failure.CompareAndSwap(nil, &err)
	e.log.Error("encoder pipeline failed", "err", err)
}

func (e *Encoder) takeSample(n int) *sample {
	if v := e.bufs.Get(); v != nil {
		s := v.(*sample)
		if cap(s.data) >= n {
			s.data = s.data[:n]
			return s
		}
	}
	return &sample{data: make([]byte, n)}
}

func (e *Encoder) putSample(s *sample) {
	e.bufs.Put(s)
}
