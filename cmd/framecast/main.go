package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"framecast/internal/audio"
	"framecast/internal/capture"
	"framecast/internal/driver"
	"framecast/internal/encode"
	"framecast/internal/sink"
	"framecast/internal/types"
)

var (
	flagTarget   = flag.Int("target", 0, "Display index to capture")
	flagWindow   = flag.Uint64("window", 0, "Window id to capture instead of a display")
	flagBackend  = flag.String("backend", "auto", "Capture backend (auto, native, screenshot, synthetic)")
	flagFPS      = flag.Int("fps", 60, "Delivery ceiling in frames per second (0 = unthrottled)")
	flagMinIntvl = flag.Duration("min-interval", 0, "Minimum time between delivered frames (overrides -fps)")
	flagBitrate  = flag.Int("bitrate", 15000, "Video bitrate in kbps")
	flagCodec    = flag.String("codec", "h264", "Video codec (h264, h265, or null for raw packetizing)")
	flagGOP      = flag.Int("gop", 0, "Keyframe interval in frames (0 = 2x FPS)")
	flagProto    = flag.String("protocol", "file", "Delivery protocol (file, tcp, udp, webrtc, ws, none)")
	flagAddr     = flag.String("addr", "127.0.0.1:9999", "Peer or listen address for network protocols")
	flagOut      = flag.String("out", "capture.fcv", "Container path for -protocol file")
	flagDebugDir = flag.String("debug-dir", "", "Write each packet to its own file in this directory")
	flagAudio    = flag.Bool("audio", true, "Capture system audio")
	flagCursor   = flag.Bool("cursor", true, "Composite the pointer into frames")
	flagDirty    = flag.Bool("dirty", false, "Request dirty-region metadata from the backend")
	flagToken    = flag.String("token", "", "Bearer token for the webrtc endpoint (empty = open)")
	flagStats    = flag.Bool("stats", false, "Log pipeline stats every 5 seconds")
	flagVerbose  = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	settings := capture.DefaultSettings()
	settings.CaptureCursor = *flagCursor
	settings.ReportDirtyRegions = *flagDirty
	switch {
	case *flagMinIntvl > 0:
		settings.MinUpdateInterval = *flagMinIntvl
	case *flagFPS > 0:
		settings.MinUpdateInterval = time.Second / time.Duration(*flagFPS)
	default:
		settings.MinUpdateInterval = 0
	}

	target := capture.DisplayTarget(*flagTarget)
	if *flagWindow != 0 {
		target = capture.WindowTarget(*flagWindow)
	}

	factory, err := backendFactory(*flagBackend)
	if err != nil {
		return err
	}

	out, err := buildSink(log)
	if err != nil {
		return err
	}

	p := &pipeline{
		sink:    out,
		log:     log,
		newSess: func() encode.Session { return newSession(*flagCodec) },
	}

	drv, err := driver.New(driver.Config{
		Target:     target,
		Settings:   settings,
		NewBackend: factory,
		Logger:     log,
	}, p)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		drv.Control().Stop()
	}()

	if *flagStats {
		go statLoop(drv, p, log)
	}

	log.Info("starting capture",
		"target", target.String(), "backend", *flagBackend,
		"codec", *flagCodec, "protocol", *flagProto)

	runErr := drv.Run()

	// teardown order: capture stopped above, then audio, then encoder
	// (which flushes and ends the sink stream)
	p.shutdown()

	if runErr != nil {
		return runErr
	}
	return p.err()
}

// pipeline connects the driver callback to the encoder. The encoder is
// created on the first valid frame, once the true capture dimensions are
// known.
type pipeline struct {
	sink    types.FrameSink
	log     *slog.Logger
	newSess func() encode.Session

	enc       *encode.Encoder
	audioSrc  audio.Source
	audioStop chan struct{}
	audioWG   sync.WaitGroup

	busy   atomic.Uint64
	encErr error
}

func (p *pipeline) OnFrame(frame *types.Frame, ctl *driver.Control) error {
	if !frame.Valid {
		return nil
	}

	if p.enc == nil {
		if err := p.startEncoder(frame.Width, frame.Height, frame.Format); err != nil {
			return err
		}
	}

	err := p.enc.Submit(frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, encode.ErrBusy):
		// encoder backlogged; dropping this frame is the contract
		p.busy.Add(1)
		return nil
	default:
		return err
	}
}

func (p *pipeline) OnClosed(cause error) {
	if cause != nil {
		p.log.Error("capture session closed", "err", cause)
		return
	}
	p.log.Info("capture session closed")
}

func (p *pipeline) startEncoder(width, height int, format types.PixelFormat) error {
	video := encode.DefaultVideo(width, height)
	video.Codec = *flagCodec
	video.Bitrate = *flagBitrate * 1000
	video.GOP = *flagGOP
	video.Input = format
	if *flagFPS > 0 {
		video.FrameRate = *flagFPS
	}

	aud := encode.DefaultAudio()
	aud.Enabled = *flagAudio

	enc, err := encode.New(p.newSess(), p.sink, encode.Config{
		Video: video,
		Audio: aud,
	}, p.log)
	if err != nil {
		return err
	}
	if err := enc.Start(); err != nil {
		return err
	}
	p.enc = enc

	if aud.Enabled {
		p.startAudio(aud)
	}
	return nil
}

func (p *pipeline) startAudio(cfg encode.AudioSettings) {
	src, err := newAudioSource(cfg.SampleRate, cfg.Channels)
	if err != nil {
		p.log.Warn("audio unavailable, continuing without", "err", err)
		return
	}
	p.audioSrc = src
	p.audioStop = make(chan struct{})
	chunks := make(chan *audio.Chunk, 8)

	p.audioWG.Add(2)
	go func() {
		defer p.audioWG.Done()
		src.Run(chunks, p.audioStop)
	}()
	go func() {
		defer p.audioWG.Done()
		for {
			select {
			case <-p.audioStop:
				return
			case c := <-chunks:
				if err := p.enc.SubmitAudio(c.PCM, c.Timestamp); err != nil &&
					!errors.Is(err, encode.ErrBusy) {
					return
				}
			}
		}
	}()
}

func (p *pipeline) shutdown() {
	if p.audioStop != nil {
		close(p.audioStop)
		p.audioWG.Wait()
		p.audioSrc.Close()
	}
	if p.enc != nil {
		p.encErr = p.enc.Finish()
	}
}

func (p *pipeline) err() error { return p.encErr }

func buildSink(log *slog.Logger) (types.FrameSink, error) {
	if *flagDebugDir != "" {
		return sink.NewDebugDir(*flagDebugDir)
	}

	cfg := sink.DefaultConfig()
	cfg.Address = *flagAddr
	cfg.FrameRate = *flagFPS
	cfg.Quality.VideoBitrate = *flagBitrate * 1000

	switch sink.Protocol(*flagProto) {
	case sink.ProtoFile:
		return sink.NewFile(*flagOut)
	case sink.ProtoTCP:
		return sink.NewTCP(cfg, log)
	case sink.ProtoUDP:
		return sink.NewUDP(cfg, log)
	case sink.ProtoWebRTC:
		return sink.NewWebRTC(*flagAddr, *flagCodec, *flagToken, *flagFPS, log)
	case sink.ProtoWS:
		return sink.NewWS(*flagAddr, log)
	case sink.ProtoNone:
		return sink.NullSink{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", *flagProto)
	}
}

// backendFactory resolves the -backend flag, falling through to the
// portable options when no native backend applies.
func backendFactory(name string) (capture.Factory, error) {
	switch name {
	case "auto", "native":
		if f := nativeBackendFactory(); f != nil {
			return f, nil
		}
		if name == "native" {
			return nil, errors.New("no native backend on this platform")
		}
		fallthrough
	case "screenshot":
		return func() (capture.Backend, error) { return sansCursor(capture.NewScreenshot()), nil }, nil
	case "synthetic":
		interval := time.Second / 30
		return func() (capture.Backend, error) {
			return capture.NewSynthetic(1280, 720, interval), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// sansCursor strips settings the screenshot backend cannot honor so "auto"
// degrades instead of erroring.
func sansCursor(b *capture.ScreenshotBackend) capture.Backend {
	return settingsFilter{b}
}

type settingsFilter struct {
	capture.Backend
}

func (f settingsFilter) Start(target capture.Target, settings capture.Settings) error {
	settings.CaptureCursor = false
	settings.ReportDirtyRegions = false
	return f.Backend.Start(target, settings)
}

func statLoop(drv *driver.Driver, p *pipeline, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ds := drv.Stats()
		attrs := []any{
			"frames", ds.Frames,
			"throttled", ds.Throttled,
			"idle_waits", ds.NoUpdates,
			"busy_drops", p.busy.Load(),
		}
		if p.enc != nil {
			es := p.enc.Stats()
			attrs = append(attrs,
				"packets", es.PacketsOut,
				"encode_drops", es.FramesDropped,
				"audio_drops", es.AudioDropped,
				"sink_refused", es.SinkRefused)
		}
		log.Info("pipeline stats", attrs...)
	}
}
