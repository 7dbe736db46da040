// Package sender wires Capture -> Encode -> Transmit into the caster's
// sending pipeline (spec.md §4), using pkg/stage.Coordinator for the
// shared Start/Stop lifecycle the way the teacher's CameraRelay.Start
// wires RTSP client + RTP processors + WebRTC bridge into one pipeline.
package sender

import (
	"log/slog"

	"github.com/ethan/screencaster/pkg/audiocodec"
	"github.com/ethan/screencaster/pkg/capture"
	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/encode"
	"github.com/ethan/screencaster/pkg/events"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/stage"
	"github.com/ethan/screencaster/pkg/transmit"
)

// Config carries the static dimensions/capacities the sender pipeline is
// built around (spec.md §5).
type Config struct {
	Width, Height int
	FPS           int
	OutCap        int
}

// Coordinator is the sender-side pipeline: CaptureStage feeds
// EncodeStage's output queue, which TransmitStage drains and fans out to
// attached peers.
type Coordinator struct {
	*stage.Coordinator

	Capture  *capture.Stage
	Encode   *encode.Stage
	Transmit *transmit.Stage
}

// New builds and registers all three stages; call Start to launch them.
func New(
	device capture.Device,
	videoEnc encode.VideoEncoder,
	audioEnc *audiocodec.Encoder,
	pool *framepool.Pool,
	mc *clock.MediaClock,
	h *health.Monitor,
	bus *events.Bus,
	logger *slog.Logger,
	cfg Config,
	onFailure func(string, *stage.Error),
) *Coordinator {
	captureStage := capture.New(device, pool, mc, h, logger, capture.Opts{FPS: cfg.FPS})
	encodeStage := encode.New(captureStage.VideoOut, captureStage.AudioOut, videoEnc, audioEnc, pool, h, cfg.Width, cfg.Height, cfg.OutCap)
	transmitStage := transmit.New(encodeStage.Out, encodeStage, logger)

	coord := stage.New("sender", h, bus, logger, onFailure)
	coord.Add(captureStage)
	coord.Add(encodeStage)
	coord.Add(transmitStage)

	return &Coordinator{
		Coordinator: coord,
		Capture:     captureStage,
		Encode:      encodeStage,
		Transmit:    transmitStage,
	}
}

// Attach registers a newly-negotiated peer with TransmitStage.
func (c *Coordinator) Attach(peerID string, w transmit.PeerWriter) {
	c.Transmit.Attach(peerID, w)
}

// Detach removes a peer from the fan-out.
func (c *Coordinator) Detach(peerID string) {
	c.Transmit.Detach(peerID)
}

// SetCaptureOpts updates capture crop/blank/fps at runtime (spec.md §4.1).
func (c *Coordinator) SetCaptureOpts(o capture.Opts) {
	c.Capture.SetOpts(o)
}
