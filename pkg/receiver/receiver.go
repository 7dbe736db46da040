// Package receiver wires Receive -> Reorder -> Decode -> Sync into the
// receiver's decoding pipeline (spec.md §4), using pkg/stage.Coordinator
// for the shared Start/Stop lifecycle the same way pkg/sender wires the
// caster side, mirroring the teacher's one-coordinator-per-direction
// wiring shape (pkg/relay/relay.go's CameraRelay.Start).
package receiver

import (
	"log/slog"

	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/decode"
	"github.com/ethan/screencaster/pkg/events"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/receive"
	"github.com/ethan/screencaster/pkg/reorder"
	"github.com/ethan/screencaster/pkg/stage"
	syncstage "github.com/ethan/screencaster/pkg/sync"
)

// KeyframeRequester is the out-of-band PLI/FIR trigger back to the
// sender, shared by ReorderStage's loss-driven requests and DecodeStage's
// corruption-driven ones -- both packages declare their own
// single-method interface of the same shape at their point of use, and
// any value satisfying this one structurally satisfies both.
type KeyframeRequester interface {
	RequestKeyframe()
}

// Coordinator is the receiver-side pipeline: ReceiveStage's video track
// feeds ReorderStage, whose output and ReceiveStage's audio track both
// feed DecodeStage, whose output feeds SyncStage.
type Coordinator struct {
	*stage.Coordinator

	Receive *receive.Stage
	Reorder *reorder.Stage
	Decode  *decode.Stage
	Sync    *syncstage.Stage
}

// New builds and registers all four stages; call Start to launch them.
// video/audio are the negotiated remote tracks (audio may be nil);
// videoDec/audioDec are the concrete decoder backends (a real
// *decode.FFmpegVideoDecoder and *audiocodec.Decoder in production, fakes
// in tests); keyReq is the out-of-band PLI/FIR trigger back to the
// sender, shared by ReorderStage's loss-driven requests and DecodeStage's
// corruption-driven ones.
func New(
	video, audio receive.RTPReader,
	videoDec decode.VideoDecoder,
	audioDec decode.AudioDecoder,
	keyReq KeyframeRequester,
	mc *clock.MediaClock,
	h *health.Monitor,
	bus *events.Bus,
	logger *slog.Logger,
	onFailure func(string, *stage.Error),
) *Coordinator {
	receiveStage := receive.New(video, audio, h, logger)
	reorderStage := reorder.New(receiveStage.VideoOut, reorder.DefaultConfig(), keyReq, h, logger)
	decodeStage := decode.New(reorderStage.Out, receiveStage.AudioOut, videoDec, audioDec, keyReq, mc, h, logger)
	syncStage := syncstage.New(decodeStage.VideoOut, decodeStage.AudioOut, mc, h, logger)

	coord := stage.New("receiver", h, bus, logger, onFailure)
	coord.Add(receiveStage)
	coord.Add(reorderStage)
	coord.Add(decodeStage)
	coord.Add(syncStage)

	return &Coordinator{
		Coordinator: coord,
		Receive:     receiveStage,
		Reorder:     reorderStage,
		Decode:      decodeStage,
		Sync:        syncStage,
	}
}

// DisplayBuffer is the outbound read handle (the single-slot
// syncstage.Buffer) spec.md §6 names for the GUI display surface.
func (c *Coordinator) DisplayBuffer() *syncstage.Buffer {
	return c.Sync.Buffer
}
