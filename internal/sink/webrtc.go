package sink

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"framecast/internal/types"
)

// WebRTCSink serves the stream to a browser over WHEP: POST an SDP offer to
// /whep, get the answer back, PATCH trickle candidates, DELETE to hang up.
// One viewer at a time; a new offer replaces the old session. Packets that
// arrive while nobody is connected report would-block and are dropped.
type WebRTCSink struct {
	addr      string
	codec     string
	token     string
	frameRate int
	log       *slog.Logger

	mu      sync.Mutex
	session *viewerSession
	httpSrv *http.Server

	lastVideo time.Duration
	lastAudio time.Duration
}

// viewerSession is one peer connection with its media tracks.
type viewerSession struct {
	id         string
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	log        *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWebRTC builds the sink. token guards the WHEP endpoint; empty means
// open access (LAN use).
func NewWebRTC(addr, codec, token string, frameRate int, log *slog.Logger) (*WebRTCSink, error) {
	if codec != "h264" && codec != "h265" {
		return nil, fmt.Errorf("webrtc sink: codec must be h264 or h265, got %q", codec)
	}
	if frameRate <= 0 {
		frameRate = 60
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebRTCSink{
		addr:      addr,
		codec:     codec,
		token:     token,
		frameRate: frameRate,
		log:       log,
	}, nil
}

func (s *WebRTCSink) OnStreamStart() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /whep", s.handleOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handlePatch)
	mux.HandleFunc("DELETE /whep/{id}", s.handleDelete)
	mux.HandleFunc("OPTIONS /whep", s.handleOptions)
	mux.HandleFunc("OPTIONS /whep/{id}", s.handleOptions)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	ln := make(chan error, 1)
	go func() { ln <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-ln:
		return fmt.Errorf("webrtc sink: listen %s: %w", s.addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("webrtc sink listening", "addr", s.addr, "codec", s.codec)
	return nil
}

func (s *WebRTCSink) OnPacket(pkt *types.EncodedPacket) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil || sess.isClosed() {
		return types.ErrSinkWouldBlock
	}

	frameDur := time.Second / time.Duration(s.frameRate)

	switch pkt.Kind {
	case types.AudioFrame:
		dur := pkt.Timestamp - s.lastAudio
		if dur <= 0 {
			dur = 20 * time.Millisecond
		}
		s.lastAudio = pkt.Timestamp
		if err := sess.audioTrack.WriteSample(media.Sample{Data: pkt.Data, Duration: dur}); err != nil {
			return types.ErrSinkWouldBlock
		}
	default:
		dur := pkt.Timestamp - s.lastVideo
		if dur <= 0 {
			dur = frameDur
		}
		s.lastVideo = pkt.Timestamp
		if err := sess.videoTrack.WriteSample(media.Sample{Data: pkt.Data, Duration: dur}); err != nil {
			return types.ErrSinkWouldBlock
		}
	}
	return nil
}

func (s *WebRTCSink) OnStreamEnd() error {
	s.mu.Lock()
	if s.session != nil {
		s.session.close()
		s.session = nil
	}
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (s *WebRTCSink) checkAuth(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *WebRTCSink) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
	w.WriteHeader(204)
}

func (s *WebRTCSink) handleOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Location")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	// single viewer: a new offer replaces the current session
	s.mu.Lock()
	if s.session != nil {
		s.session.close()
		s.session = nil
	}
	s.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	sess, err := newViewerSession(uuid.New().String(), s.codec, s.log)
	if err != nil {
		s.log.Error("viewer session create failed", "err", err)
		http.Error(w, "internal error", 500)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)}
	if err := sess.pc.SetRemoteDescription(offer); err != nil {
		sess.close()
		http.Error(w, "bad SDP offer", 400)
		return
	}

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		sess.close()
		http.Error(w, "internal error", 500)
		return
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		sess.close()
		http.Error(w, "internal error", 500)
		return
	}

	// answer with complete ICE so the client needs no trickle round-trips
	<-webrtc.GatheringCompletePromise(sess.pc)

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep/"+sess.id)
	w.WriteHeader(201)
	w.Write([]byte(sess.pc.LocalDescription().SDP))
}

func (s *WebRTCSink) handlePatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil || sess.id != id {
		http.Error(w, "not found", 404)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	for _, line := range strings.Split(string(body), "\r\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=candidate:") {
			c := strings.TrimPrefix(line, "a=")
			if err := sess.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
				s.log.Warn("add ice candidate failed", "err", err)
			}
		}
	}
	w.WriteHeader(204)
}

func (s *WebRTCSink) handleDelete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", 401)
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.id != id {
		http.Error(w, "not found", 404)
		return
	}
	s.session.close()
	s.session = nil
	w.WriteHeader(200)
}

func newViewerSession(id, codec string, log *slog.Logger) (*viewerSession, error) {
	me := &webrtc.MediaEngine{}

	var videoMime, videoFmtp string
	var videoPT webrtc.PayloadType
	if codec == "h265" {
		videoMime = webrtc.MimeTypeH265
		videoFmtp = "profile-id=1"
		videoPT = 97
	} else {
		videoMime = webrtc.MimeTypeH264
		videoFmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"
		videoPT = 96
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    videoMime,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		PayloadType: videoPT,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	// LAN only, no STUN/TURN
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		"video", "framecast")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err = pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "framecast")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err = pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	sess := &viewerSession{
		id:         id,
		pc:         pc,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		log:        log.With("viewer", id),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sess.log.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed {
			sess.close()
		}
	})

	return sess, nil
}

func (v *viewerSession) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.pc.Close()
	v.log.Info("viewer session closed")
}

func (v *viewerSession) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

var _ types.FrameSink = (*WebRTCSink)(nil)
