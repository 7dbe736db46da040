// Package webrtcpeer builds the pion PeerConnection, registers the
// H.264/Opus codecs, and exposes the PeerSession handle TransmitStage
// writes samples into and reads keyframe requests (RTCP PLI) from.
//
// Grounded directly on the teacher's pkg/bridge/bridge.go: MediaEngine
// construction and RegisterCodec calls (same MimeTypeH264/MimeTypeOpus,
// packetization-mode=1 fmtp line), NewTrackLocalStaticSample for the
// outbound tracks (upgraded from the teacher's TrackLocalStaticRTP since
// this module owns encoding and wants pion's sample packetizer), the
// OnConnectionStateChange cached-state pattern, and readRTCP's RTCP
// packet switch (PictureLossIndication/FullIntraRequest) for keyframe
// request detection.
package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// STUN servers per spec.md §4.9. No TURN. SetSTUNServers overrides this
// default from the operator's config at startup, before the first
// Factory is built; NewSession/NewReceiverSession read it each call so a
// single override before the process's first negotiation is sufficient.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun.services.mozilla.com:3478",
}

// SetSTUNServers replaces the ICE server list every subsequently created
// Session/ReceiverSession negotiates with. Not safe to call concurrently
// with NewSession/NewReceiverSession; intended for one-time startup
// configuration from pkg/config.
func SetSTUNServers(servers []string) {
	if len(servers) == 0 {
		return
	}
	stunServers = servers
}

// ICENegotiationTimeout bounds how long Negotiate waits for ICE gathering.
const ICENegotiationTimeout = 20 * time.Second

// Bundle is the opaque SDP+ICE bundle exchanged between peers (spec.md
// §4.9), either over the signalling WebSocket or copy-pasted manually.
type Bundle struct {
	SDP           webrtc.SessionDescription   `json:"sdp"`
	ICECandidates []webrtc.ICECandidateInit   `json:"ice_candidates"`
}

// Factory builds negotiated peer connections sharing one MediaEngine /
// API instance, which pion requires to be constructed once per process.
type Factory struct {
	api    *webrtc.API
	logger *slog.Logger
}

// NewFactory registers the H.264 baseline (packetization-mode=1) and
// Opus 48kHz stereo codecs and wires the NACK/RTCP-report interceptors.
func NewFactory(logger *slog.Logger) (*Factory, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register H264 codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register Opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	return &Factory{api: api, logger: logger}, nil
}

// Session is one negotiated peer: its PeerConnection, outbound tracks,
// and liveness state. Spec.md §4.9 guarantees at-most-one concurrent
// negotiation per peer; that guard lives here as negotiating.
type Session struct {
	ID     string
	pc     *webrtc.PeerConnection
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample
	vSend  *webrtc.RTPSender
	aSend  *webrtc.RTPSender
	logger *slog.Logger

	mu          sync.Mutex
	negotiating bool
	live        bool
	lastSeen    time.Time

	// OnKeyframeRequest fires whenever RTCP PLI/FIR is observed on either
	// sender. TransmitStage wires this to EncodeStage.RequestKeyframe.
	OnKeyframeRequest func()
}

// NewSession creates a PeerConnection for peerID with sendonly H.264 and
// Opus tracks, and starts the RTCP reader goroutines.
func (f *Factory) NewSession(ctx context.Context, peerID string) (*Session, error) {
	iceServers := make([]webrtc.ICEServer, len(stunServers))
	for i, u := range stunServers {
		iceServers[i] = webrtc.ICEServer{URLs: []string{u}}
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}

	s := &Session{
		ID:     peerID,
		pc:     pc,
		logger: f.logger.With("peer_id", peerID),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		s.live = state == webrtc.PeerConnectionStateConnected
		s.mu.Unlock()
		s.logger.Info("peer connection state changed", "state", state.String())
	})

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		fmt.Sprintf("%s-video", peerID), "screencaster-video")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: create video track: %w", err)
	}
	s.video = video
	if s.vSend, err = pc.AddTrack(video); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: add video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("%s-audio", peerID), "screencaster-audio")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: create audio track: %w", err)
	}
	s.audio = audio
	if s.aSend, err = pc.AddTrack(audio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: add audio track: %w", err)
	}

	go s.readRTCP(s.vSend, "video")
	go s.readRTCP(s.aSend, "audio")

	return s, nil
}

// BeginNegotiation enforces the at-most-one-concurrent-negotiation
// guarantee; a second call while one is in flight is rejected.
func (s *Session) BeginNegotiation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiating {
		return fmt.Errorf("webrtcpeer: negotiation already in progress for peer %s", s.ID)
	}
	s.negotiating = true
	return nil
}

func (s *Session) endNegotiation() {
	s.mu.Lock()
	s.negotiating = false
	s.mu.Unlock()
}

// CreateOfferBundle creates a local offer, waits for ICE gathering, and
// returns the packed bundle the signalling layer (or the manual-paste
// flow) hands to the remote peer.
func (s *Session) CreateOfferBundle(ctx context.Context) (*Bundle, error) {
	defer s.endNegotiation()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-time.After(ICENegotiationTimeout):
		return nil, fmt.Errorf("webrtcpeer: ICE gathering timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Bundle{SDP: *s.pc.LocalDescription()}, nil
}

// AcceptOfferBundle installs a remote offer and returns the local answer
// bundle for the manual-paste or signalling path.
func (s *Session) AcceptOfferBundle(ctx context.Context, remote Bundle) (*Bundle, error) {
	if err := s.BeginNegotiation(); err != nil {
		return nil, err
	}
	defer s.endNegotiation()

	if err := s.pc.SetRemoteDescription(remote.SDP); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set remote description: %w", err)
	}
	for _, c := range remote.ICECandidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			return nil, fmt.Errorf("webrtcpeer: add ice candidate: %w", err)
		}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-time.After(ICENegotiationTimeout):
		return nil, fmt.Errorf("webrtcpeer: ICE gathering timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Bundle{SDP: *s.pc.LocalDescription()}, nil
}

// InstallAnswer completes the offering side's negotiation.
func (s *Session) InstallAnswer(remote Bundle) error {
	if err := s.pc.SetRemoteDescription(remote.SDP); err != nil {
		return fmt.Errorf("webrtcpeer: set remote description: %w", err)
	}
	for _, c := range remote.ICECandidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("webrtcpeer: add ice candidate: %w", err)
		}
	}
	return nil
}

// WriteVideoSample writes one H.264 access unit (AVC framing) to the
// outbound track.
func (s *Session) WriteVideoSample(sample pionmedia.Sample) error {
	return s.video.WriteSample(sample)
}

// WriteAudioSample writes one Opus packet to the outbound track.
func (s *Session) WriteAudioSample(sample pionmedia.Sample) error {
	return s.audio.WriteSample(sample)
}

// Live reports whether the underlying connection is currently connected.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Touch updates the session's last-seen instant. No other package reads
// it; TransmitStage has no liveness poll.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Close tears down the peer connection.
func (s *Session) Close() error {
	return s.pc.Close()
}

// SetOnKeyframeRequest installs the callback fired on RTCP PLI/FIR. It
// satisfies pkg/transmit's PeerWriter interface.
func (s *Session) SetOnKeyframeRequest(fn func()) {
	s.OnKeyframeRequest = fn
}

// readRTCP mirrors the teacher's Bridge.readRTCP: reads feedback packets
// off an RTPSender until it errors (closed track or context teardown),
// surfacing PLI/FIR as keyframe requests.
func (s *Session) readRTCP(sender *webrtc.RTPSender, trackType string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			s.logger.Debug("rtcp reader stopped", "track", trackType, "error", err)
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.logger.Debug("keyframe request received", "track", trackType)
				if s.OnKeyframeRequest != nil {
					s.OnKeyframeRequest()
				}
			}
		}
	}
}

// ReceiverSession is the receiving peer's negotiated PeerConnection: it
// waits for the caster's recvonly video/audio tracks via OnTrack and
// exposes a RequestKeyframe method that writes an RTCP PLI back to the
// sender, grounded on n0remac-robot-webrtc/webrtc/sfu.go's OnTrack
// registration and its WriteRTCP(PictureLossIndication) keyframe-request
// path (sfu.go lines 367 and 1146-1147).
type ReceiverSession struct {
	ID     string
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu   sync.Mutex
	live bool

	videoTrack chan *webrtc.TrackRemote
	audioTrack chan *webrtc.TrackRemote
	videoSSRC  atomic.Uint32 // set once the video track arrives, for RequestKeyframe
}

// NewReceiverSession creates a PeerConnection for peerID and registers
// an OnTrack handler that delivers the caster's negotiated video and
// audio tracks.
func (f *Factory) NewReceiverSession(ctx context.Context, peerID string) (*ReceiverSession, error) {
	iceServers := make([]webrtc.ICEServer, len(stunServers))
	for i, u := range stunServers {
		iceServers[i] = webrtc.ICEServer{URLs: []string{u}}
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: add video transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtcpeer: add audio transceiver: %w", err)
	}

	s := &ReceiverSession{
		ID:         peerID,
		pc:         pc,
		logger:     f.logger.With("peer_id", peerID),
		videoTrack: make(chan *webrtc.TrackRemote, 1),
		audioTrack: make(chan *webrtc.TrackRemote, 1),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		s.live = state == webrtc.PeerConnectionStateConnected
		s.mu.Unlock()
		s.logger.Info("peer connection state changed", "state", state.String())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Debug("remote track received", "kind", remote.Kind().String(), "ssrc", remote.SSRC())
		switch remote.Kind() {
		case webrtc.RTPCodecTypeVideo:
			s.videoSSRC.Store(uint32(remote.SSRC()))
			s.videoTrack <- remote
		case webrtc.RTPCodecTypeAudio:
			s.audioTrack <- remote
		}
	})

	return s, nil
}

// AcceptOfferBundle installs a remote offer and returns the local answer
// bundle, mirroring Session.AcceptOfferBundle for the recvonly side.
func (s *ReceiverSession) AcceptOfferBundle(ctx context.Context, remote Bundle) (*Bundle, error) {
	if err := s.pc.SetRemoteDescription(remote.SDP); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set remote description: %w", err)
	}
	for _, c := range remote.ICECandidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			return nil, fmt.Errorf("webrtcpeer: add ice candidate: %w", err)
		}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("webrtcpeer: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-time.After(ICENegotiationTimeout):
		return nil, fmt.Errorf("webrtcpeer: ICE gathering timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Bundle{SDP: *s.pc.LocalDescription()}, nil
}

// WaitForVideoTrack blocks until the caster's video track is negotiated
// or ctx is cancelled. Video is required; callers that also want audio
// should race WaitForAudioTrack with a short additional timeout since
// audio may be negotiated separately or not at all.
func (s *ReceiverSession) WaitForVideoTrack(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case t := <-s.videoTrack:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForAudioTrack blocks until the caster's audio track is negotiated,
// ctx is cancelled, or the timeout elapses (audio is optional, so a
// timeout here is not an error -- the caller gets (nil, nil)).
func (s *ReceiverSession) WaitForAudioTrack(ctx context.Context, timeout time.Duration) (*webrtc.TrackRemote, error) {
	select {
	case t := <-s.audioTrack:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

// RequestKeyframe sends an RTCP PLI for the negotiated video track's
// SSRC, satisfying pkg/reorder.KeyframeRequester and
// pkg/decode.KeyframeRequester. Safe to call before the video track has
// arrived; it is simply a no-op in that case.
func (s *ReceiverSession) RequestKeyframe() {
	ssrc := s.videoSSRC.Load()
	if ssrc == 0 {
		return
	}
	if err := s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	}); err != nil {
		s.logger.Debug("failed to send keyframe request", "error", err)
	}
}

// Live reports whether the underlying connection is currently connected.
func (s *ReceiverSession) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Close tears down the peer connection.
func (s *ReceiverSession) Close() error {
	return s.pc.Close()
}
