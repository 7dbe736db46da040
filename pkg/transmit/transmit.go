// Package transmit implements TransmitStage: fanning out encoded frames
// from pkg/encode's output queue to every currently-attached peer,
// isolating one peer's write failure from the others, and requesting a
// keyframe for a newly-attached peer within 100ms (spec.md §4.4).
//
// The per-peer registry (mu sync.RWMutex guarding a map[string]*peer) is
// grounded on the teacher's pkg/relay/multi_relay.go MultiCameraRelay,
// generalized from "one relay per camera" to "one write target per
// viewer", and the per-peer failure isolation (log and continue, don't
// abort the fan-out loop) mirrors CameraRelay's WriteVideoSample error
// handling in pkg/relay/relay.go.
package transmit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	mediapkg "github.com/ethan/screencaster/pkg/media"
)

// KeyframeAttachDeadline is how soon after a peer attaches it must
// receive a keyframe (spec.md §4.4).
const KeyframeAttachDeadline = 100 * time.Millisecond

// PerPeerWriteTimeout bounds a single WriteSample call so one stalled
// peer cannot block the fan-out loop indefinitely.
const PerPeerWriteTimeout = 250 * time.Millisecond

// FrameSource is the subset of EncodeStage's output queue transmit
// reads from. Modeling it as an interface (instead of taking a raw
// channel) lets TransmitStage consume the drop-oldest-non-keyframe
// queue directly rather than through an extra pump goroutine.
type FrameSource interface {
	Pop(ctx context.Context) (*mediapkg.MediaFrame, error)
}

// PeerWriter is the subset of webrtcpeer.Session the fan-out loop
// drives. Narrowing to an interface (rather than depending on
// *webrtcpeer.Session directly) lets tests exercise failure isolation
// and the attach-deadline keyframe request without a real PeerConnection.
type PeerWriter interface {
	WriteVideoSample(media.Sample) error
	WriteAudioSample(media.Sample) error
	SetOnKeyframeRequest(func())
	Close() error
}

type peer struct {
	id     string
	writer PeerWriter
	logger *slog.Logger
}

// RequestKeyframer is the subset of EncodeStage transmit needs: asking
// for a forced keyframe when a peer attaches or reports loss via PLI/FIR.
type RequestKeyframer interface {
	RequestKeyframe()
}

// Stage implements stage.Stage for peer fan-out.
type Stage struct {
	source  FrameSource
	encoder RequestKeyframer
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peer
}

// New constructs a TransmitStage reading encoded frames from source
// (typically EncodeStage.Out).
func New(source FrameSource, encoder RequestKeyframer, logger *slog.Logger) *Stage {
	return &Stage{
		source:  source,
		encoder: encoder,
		logger:  logger,
		peers:   make(map[string]*peer),
	}
}

func (s *Stage) Name() string { return "transmit" }

// Attach registers a newly-negotiated peer and requests a keyframe so it
// renders within KeyframeAttachDeadline instead of waiting for the next
// periodic keyframe.
func (s *Stage) Attach(peerID string, w PeerWriter) {
	p := &peer{id: peerID, writer: w, logger: s.logger.With("peer_id", peerID)}

	s.mu.Lock()
	s.peers[peerID] = p
	s.mu.Unlock()

	w.SetOnKeyframeRequest(s.encoder.RequestKeyframe)
	s.encoder.RequestKeyframe()
	p.logger.Info("peer attached to transmit stage")
}

// Detach removes a peer; subsequent fan-out writes skip it.
func (s *Stage) Detach(peerID string) {
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
}

// PeerCount reports the number of currently attached peers.
func (s *Stage) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Stage) Run(ctx context.Context) error {
	for {
		mf, err := s.source.Pop(ctx)
		if err != nil {
			return nil // ctx cancelled or source closed
		}
		s.fanOut(ctx, mf)
	}
}

func (s *Stage) fanOut(ctx context.Context, mf *mediapkg.MediaFrame) {
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.RUnlock()

	sample := media.Sample{
		Data:     mf.Data,
		Duration: frameDuration(mf.Kind),
	}

	for _, p := range targets {
		go s.writeOne(ctx, p, mf, sample)
	}
}

func (s *Stage) writeOne(ctx context.Context, p *peer, mf *mediapkg.MediaFrame, sample media.Sample) {
	done := make(chan error, 1)
	go func() {
		if mf.Kind == mediapkg.Video {
			done <- p.writer.WriteVideoSample(sample)
		} else {
			done <- p.writer.WriteAudioSample(sample)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn("failed to write sample to peer", "error", err, "kind", mf.Kind)
		}
	case <-time.After(PerPeerWriteTimeout):
		p.logger.Warn("peer write timed out, dropping frame for this peer", "kind", mf.Kind)
	case <-ctx.Done():
	}
}

func frameDuration(kind mediapkg.Kind) time.Duration {
	if kind == mediapkg.Audio {
		return 20 * time.Millisecond
	}
	return 33 * time.Millisecond
}

func (s *Stage) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("error closing peer session", "error", err)
		}
		delete(s.peers, id)
	}
	return nil
}
