// Package receive implements ReceiveStage: reading RTP packets off the
// two negotiated WebRTC remote tracks (one video, one audio) and handing
// them to ReorderStage in arrival order. No reordering happens here;
// packets whose SSRC doesn't match the track they arrived on are
// dropped.
//
// Grounded on n0remac-robot-webrtc/webrtc/sfu.go's per-track read loop
// (one goroutine per remote track, "for { pkt, _, err := remote.ReadRTP() ...
// }", break/return on any read error) and the teacher's CaptureStage
// channel-emission shape (pkg/capture/capture.go's runVideo/runAudio
// pair), generalized from "read raw video frames from a Device" to "read
// RTP packets from a pion RTPReader".
package receive

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

// VideoChannelCapacity is the receive->reorder channel size (spec.md §5).
// Audio bypasses ReorderStage entirely (loss there is tolerated by
// Opus's own concealment rather than jitter-buffered), so it gets the
// same 32-chunk capacity CaptureStage's audio channel uses.
const (
	VideoChannelCapacity = 256
	AudioChannelCapacity = 32
)

// RTPReader is the subset of *webrtc.TrackRemote ReceiveStage drives.
// Narrowed to an interface so tests can drive the read loop without a
// real PeerConnection.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SSRC() webrtc.SSRC
}

// Stage implements stage.Stage for RTP ingestion.
type Stage struct {
	video RTPReader
	audio RTPReader

	health *health.Monitor
	logger *slog.Logger

	VideoOut chan *media.RtpPacket
	AudioOut chan *media.RtpPacket

	shutdownCh chan struct{}
}

// New constructs a ReceiveStage over the two negotiated remote tracks.
// Either may be nil (audio disabled, or video-only negotiation failed).
func New(video, audio RTPReader, h *health.Monitor, logger *slog.Logger) *Stage {
	return &Stage{
		video:      video,
		audio:      audio,
		health:     h,
		logger:     logger.With("stage", "receive"),
		VideoOut:   make(chan *media.RtpPacket, VideoChannelCapacity),
		AudioOut:   make(chan *media.RtpPacket, AudioChannelCapacity),
		shutdownCh: make(chan struct{}),
	}
}

func (s *Stage) Name() string { return "receive" }

func (s *Stage) Run(ctx context.Context) error {
	go s.readTrack(ctx, s.audio, media.Audio, s.AudioOut)
	s.readTrack(ctx, s.video, media.Video, s.VideoOut)
	return nil
}

func (s *Stage) readTrack(ctx context.Context, track RTPReader, kind media.Kind, out chan *media.RtpPacket) {
	if track == nil {
		return
	}
	expected := uint32(track.SSRC())

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.Debug("remote track read ended", "kind", kind, "error", err)
			}
			return
		}

		if pkt.SSRC != expected {
			if s.health != nil {
				s.health.RecordDrop(health.DropUnknownSSRC)
			}
			continue
		}

		rp := &media.RtpPacket{
			SequenceNumber: pkt.SequenceNumber,
			SSRC:           pkt.SSRC,
			PayloadType:    pkt.PayloadType,
			Timestamp:      pkt.Timestamp,
			Marker:         pkt.Marker,
			Payload:        pkt.Payload,
			Kind:           kind,
			ReceivedAt:     time.Now(),
		}
		if s.health != nil {
			s.health.BytesRecv.Add(uint64(len(pkt.Payload)))
		}

		select {
		case out <- rp:
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Stage) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	return nil
}
