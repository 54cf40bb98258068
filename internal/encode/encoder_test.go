package encode

import (
	"errors"
	"sync"
	"testing"
	"time"

	"framecast/internal/types"
)

// memSink records the stream it is handed. An optional hook lets tests
// inject sink errors per packet.
type memSink struct {
	mu       sync.Mutex
	started  int
	ended    int
	packets  []*types.EncodedPacket
	onPacket func(*types.EncodedPacket) error
}

func (m *memSink) OnStreamStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *memSink) OnPacket(pkt *types.EncodedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onPacket != nil {
		if err := m.onPacket(pkt); err != nil {
			return err
		}
	}
	m.packets = append(m.packets, pkt)
	return nil
}

func (m *memSink) OnStreamEnd() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
	return nil
}

func (m *memSink) snapshot() []*types.EncodedPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.EncodedPacket(nil), m.packets...)
}

func (m *memSink) counts() (started, ended int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.ended
}

// flakySession fails Encode on chosen frame indices.
type flakySession struct {
	NullSession
	failOn map[uint64]bool
	seen   uint64
}

func (f *flakySession) Encode(s *sample) ([]*types.EncodedPacket, error) {
	i := f.seen
	f.seen++
	if f.failOn[i] {
		return nil, errors.New("transient codec hiccup")
	}
	return f.NullSession.Encode(s)
}

func videoConfig() Config {
	return Config{Video: DefaultVideo(64, 36)}
}

func testFrame(ts time.Duration) *types.Frame {
	return &types.Frame{
		Data:      make([]byte, 64*36*4),
		Width:     64,
		Height:    36,
		Stride:    64 * 4,
		Format:    types.RGBA8,
		Timestamp: ts,
		Valid:     true,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitBackpressure(t *testing.T) {
	// no Start, so no worker drains the queue
	e, err := New(NewNullSession(), &memSink{}, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 8; i++ {
		if err := e.Submit(testFrame(time.Duration(i) * time.Millisecond)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := e.Submit(testFrame(8 * time.Millisecond)); !errors.Is(err, ErrBusy) {
		t.Fatalf("ninth submit = %v, want ErrBusy with the default queue of 8", err)
	}
	if got := e.Stats().FramesIn; got != 8 {
		t.Errorf("FramesIn = %d, want 8", got)
	}
}

func TestEncodeRebasesAndOrders(t *testing.T) {
	sink := &memSink{}
	e, err := New(NewNullSession(), sink, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, ts := range []time.Duration{time.Second, time.Second + 16*time.Millisecond, time.Second + 33*time.Millisecond} {
		if err := e.Submit(testFrame(ts)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	pkts := sink.snapshot()
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}
	if pkts[0].Timestamp != 0 {
		t.Errorf("first packet at %v, want the timeline rebased to zero", pkts[0].Timestamp)
	}
	if pkts[0].Kind != types.KeyFrame {
		t.Errorf("first packet kind = %v, want a keyframe", pkts[0].Kind)
	}
	for i := 1; i < len(pkts); i++ {
		if pkts[i].Timestamp < pkts[i-1].Timestamp {
			t.Errorf("packet timeline regressed: %v after %v", pkts[i].Timestamp, pkts[i-1].Timestamp)
		}
	}
	if pkts[2].Timestamp != 33*time.Millisecond {
		t.Errorf("third packet at %v, want 33ms after rebase", pkts[2].Timestamp)
	}

	started, ended := sink.counts()
	if started != 1 || ended != 1 {
		t.Errorf("stream started %d / ended %d times, want 1 / 1", started, ended)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	sink := &memSink{}
	e, err := New(NewNullSession(), sink, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Submit(testFrame(0)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	first := e.Finish()
	second := e.Finish()
	if first != second {
		t.Errorf("Finish results differ: %v then %v", first, second)
	}
	if _, ended := sink.counts(); ended != 1 {
		t.Errorf("stream ended %d times, want 1", ended)
	}
	if err := e.Submit(testFrame(time.Second)); !errors.Is(err, ErrFinished) {
		t.Errorf("submit after Finish = %v, want ErrFinished", err)
	}
}

func TestFinishBeforeStart(t *testing.T) {
	e, err := New(NewNullSession(), &memSink{}, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Finish(); err == nil {
		t.Error("Finish on a never-started encoder should report it")
	}
}

func TestBadFrameIsDroppedNotFatal(t *testing.T) {
	sink := &memSink{}
	session := &flakySession{failOn: map[uint64]bool{1: true}}
	e, err := New(session, sink, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Submit(testFrame(time.Duration(i) * 16 * time.Millisecond)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if got := len(sink.snapshot()); got != 2 {
		t.Errorf("got %d packets, want 2 with one frame dropped", got)
	}
	if got := e.Stats().FramesDropped; got != 1 {
		t.Errorf("FramesDropped = %d, want 1", got)
	}
}

func TestSinkRefusalIsLossy(t *testing.T) {
	sink := &memSink{onPacket: func(*types.EncodedPacket) error {
		return types.ErrSinkWouldBlock
	}}
	e, err := New(NewNullSession(), sink, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Submit(testFrame(0))
	e.Submit(testFrame(16 * time.Millisecond))
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish = %v, want nil when the sink merely refuses packets", err)
	}
	if got := e.Stats().SinkRefused; got != 2 {
		t.Errorf("SinkRefused = %d, want 2", got)
	}
}

func TestSinkFailureStopsPipeline(t *testing.T) {
	boom := errors.New("peer vanished")
	sink := &memSink{onPacket: func(*types.EncodedPacket) error { return boom }}
	e, err := New(NewNullSession(), sink, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Submit(testFrame(0))
	waitFor(t, "the failure to be recorded", func() bool {
		return errors.Is(e.Submit(testFrame(time.Second)), boom)
	})
	if err := e.Finish(); !errors.Is(err, boom) {
		t.Errorf("Finish = %v, want the sink failure", err)
	}
}

func TestInvalidFrameIgnored(t *testing.T) {
	e, err := New(NewNullSession(), &memSink{}, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Submit(&types.Frame{Valid: false}); err != nil {
		t.Fatalf("submit invalid frame: %v", err)
	}
	if got := e.Stats().FramesIn; got != 0 {
		t.Errorf("FramesIn = %d, want 0", got)
	}
}

func TestAudioResyncDropsLateUnits(t *testing.T) {
	sink := &memSink{}
	cfg := videoConfig()
	cfg.Audio = DefaultAudio()
	e, err := New(NewNullSession(), sink, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Finish()

	pcm := make([]int16, 960*cfg.Audio.Channels) // one 20ms unit at 48k

	// pin the epoch at 1s, then advance the video clock to rel 1s
	if err := e.Submit(testFrame(time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "first video packet", func() bool { return e.Stats().PacketsOut >= 1 })
	if err := e.Submit(testFrame(2 * time.Second)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "second video packet", func() bool { return e.Stats().PacketsOut >= 2 })

	// 950ms behind the video clock: resync by dropping
	if err := e.SubmitAudio(pcm, time.Second+50*time.Millisecond); err != nil {
		t.Fatalf("submit audio: %v", err)
	}
	waitFor(t, "the late unit to be dropped", func() bool { return e.Stats().AudioDropped >= 1 })

	// in-sync audio still flows
	if err := e.SubmitAudio(pcm, 2*time.Second); err != nil {
		t.Fatalf("submit audio: %v", err)
	}
	waitFor(t, "an audio packet", func() bool {
		for _, pkt := range sink.snapshot() {
			if pkt.Kind == types.AudioFrame {
				return true
			}
		}
		return false
	})
}

// callOrderSession records the order the worker touches the session in.
type callOrderSession struct {
	NullSession
	mu    sync.Mutex
	calls []string
}

func (c *callOrderSession) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *callOrderSession) Encode(s *sample) ([]*types.EncodedPacket, error) {
	c.record("encode")
	return c.NullSession.Encode(s)
}

func (c *callOrderSession) SetBitrate(bps int) {
	c.record("bitrate")
	c.NullSession.SetBitrate(bps)
}

func (c *callOrderSession) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestSetBitrateAppliedByWorkerBeforeNextFrame(t *testing.T) {
	session := &callOrderSession{}
	e, err := New(session, &memSink{}, videoConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// a retune before any frame lands on the session ahead of that frame's
	// encode, never concurrently with it
	e.SetBitrate(5_000_000)
	if err := e.Submit(testFrame(0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := session.order()
	want := []string{"bitrate", "encode"}
	if len(got) != len(want) {
		t.Fatalf("session calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("session calls = %v, want %v", got, want)
		}
	}
}

func TestNullSessionKeyframeCadence(t *testing.T) {
	s := NewNullSession()
	v := DefaultVideo(8, 8)
	v.GOP = 2
	if err := s.Start(v); err != nil {
		t.Fatalf("start: %v", err)
	}

	want := []types.PacketKind{types.KeyFrame, types.DeltaFrame, types.KeyFrame, types.DeltaFrame}
	for i, k := range want {
		pkts, err := s.Encode(&sample{data: make([]byte, 8*8*4), width: 8, height: 8})
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		if pkts[0].Kind != k {
			t.Errorf("frame %d kind = %v, want %v", i, pkts[0].Kind, k)
		}
	}
}
