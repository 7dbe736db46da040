// Package decode implements DecodeStage: H.264 depacketize + FFmpeg
// subprocess decode for video, Opus decode for audio, with a
// discard-and-reset corruption policy (spec.md §4.7).
//
// The FFmpeg subprocess shape is grounded on
// n0remac-robot-webrtc/client/streaming.go's StreamProcess
// (exec.Command("ffmpeg", args...) with piped stdio, Start/Stop),
// retargeted from a fire-and-forget capture process to a decode process
// driven synchronously: one access unit written to stdin yields exactly
// one raw frame read back from stdout.
package decode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
	"github.com/ethan/screencaster/pkg/rtpcodec"
)

// VideoOutCapacity is the decode->sync channel size (spec.md §5).
const VideoOutCapacity = 4

// AudioOutCapacity mirrors the 32-chunk audio buffering spec.md §5 states
// for every audio channel in the pipeline.
const AudioOutCapacity = 32

// CorruptionWindow and CorruptionResetThreshold implement "repeated (>= 10
// in 1s) corruption triggers a decoder reset" (spec.md §4.7).
const (
	CorruptionWindow         = time.Second
	CorruptionResetThreshold = 10
)

// VideoDecoder is the narrow contract DecodeStage drives; a real backend
// wraps an external FFmpeg process, a test backend returns synthetic
// frames or injects errors.
type VideoDecoder interface {
	Decode(au []byte) (*media.RawVideoFrame, error)
	Reset() error
	Close() error
}

// AudioDecoder is the narrow contract for Opus decode; *audiocodec.Decoder
// already satisfies this.
type AudioDecoder interface {
	Decode(packet []byte) ([]float32, error)
}

// KeyframeRequester is the out-of-band channel back to the sender, fired
// once per corrupt access unit (spec.md §4.7) and reused from the
// reorder package's loss-driven request (same call, different trigger).
type KeyframeRequester interface {
	RequestKeyframe()
}

// Stage implements stage.Stage for RTP-to-raw-frame decode.
type Stage struct {
	videoIn <-chan *media.RtpPacket // video only: ReorderStage.Out
	audioIn <-chan *media.RtpPacket // ReceiveStage.AudioOut, bypassing reorder

	depacketizer *rtpcodec.Depacketizer
	videoDec     VideoDecoder
	audioDec     AudioDecoder
	keyReq       KeyframeRequester
	clock        *clock.MediaClock

	health *health.Monitor
	logger *slog.Logger

	VideoOut chan *media.RawVideoFrame
	AudioOut chan *media.MediaFrame

	audioSeq atomic.Uint64

	mu              sync.Mutex
	corruptionTimes []time.Time
}

// New constructs a DecodeStage. videoIn must carry only video.Kind
// packets already in sequence order (ReorderStage's output); audioIn
// carries audio packets straight from ReceiveStage, since audio tolerates
// loss via Opus's own concealment rather than jitter-buffering.
func New(videoIn, audioIn <-chan *media.RtpPacket, videoDec VideoDecoder, audioDec AudioDecoder,
	keyReq KeyframeRequester, mc *clock.MediaClock, h *health.Monitor, logger *slog.Logger) *Stage {
	return &Stage{
		videoIn:      videoIn,
		audioIn:      audioIn,
		depacketizer: rtpcodec.NewDepacketizer(),
		videoDec:     videoDec,
		audioDec:     audioDec,
		keyReq:       keyReq,
		clock:        mc,
		health:       h,
		logger:       logger.With("stage", "decode"),
		VideoOut:     make(chan *media.RawVideoFrame, VideoOutCapacity),
		AudioOut:     make(chan *media.MediaFrame, AudioOutCapacity),
	}
}

func (s *Stage) Name() string { return "decode" }

func (s *Stage) Run(ctx context.Context) error {
	go s.runAudio(ctx)
	return s.runVideo(ctx)
}

func (s *Stage) runVideo(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-s.videoIn:
			if !ok {
				return nil
			}
			if err := s.handleVideoPacket(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

func (s *Stage) runAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-s.audioIn:
			if !ok {
				return
			}
			s.handleAudioPacket(ctx, pkt)
		}
	}
}

func (s *Stage) handleVideoPacket(ctx context.Context, pkt *media.RtpPacket) error {
	au, err := s.depacketizer.Push(rtpcodec.Packet{Payload: pkt.Payload, Marker: pkt.Marker})
	if err != nil {
		s.onCorruption(fmt.Sprintf("depacketize: %v", err))
		return nil
	}
	if au == nil {
		return nil
	}

	checksum := rtpcodec.Checksum(au.Data)

	frame, err := s.videoDec.Decode(au.Data)
	if err != nil {
		s.onCorruption(fmt.Sprintf("ffmpeg decode: %v", err))
		return nil
	}
	if !rtpcodec.VerifyChecksum(au.Data, checksum) {
		// The depacketizer's reassembly buffer was mutated between
		// Push returning and Decode consuming it -- a pool/ownership
		// bug, not a network corruption. Treat it the same way: drop
		// the frame and request a keyframe.
		frame.Release()
		s.onCorruption("access unit mutated between depacketize and decode")
		return nil
	}

	// RawVideoFrame carries a wall-clock timestamp rather than a raw PTS;
	// SyncStage derives presentation time from it via MediaClock.At. RTP
	// timestamps aren't used directly since there's no RTCP
	// sender-report mapping in this pipeline to translate a peer's RTP
	// clock into the shared MediaClock base.
	frame.CapturedAt = pkt.ReceivedAt
	if s.health != nil {
		s.health.FramesOut.Add(1)
	}

	select {
	case s.VideoOut <- frame:
	case <-ctx.Done():
		frame.Release()
		return nil
	}
	return nil
}

func (s *Stage) handleAudioPacket(ctx context.Context, pkt *media.RtpPacket) {
	pcm, err := s.audioDec.Decode(pkt.Payload)
	if err != nil {
		if s.health != nil {
			s.health.RecordDrop(health.DropDecoderCorrupt)
		}
		s.logger.Debug("opus decode failed, dropping chunk", "error", err)
		return
	}

	mf := &media.MediaFrame{
		Kind:     media.Audio,
		Data:     float32ToBytes(pcm),
		PTS:      s.clock.At(pkt.ReceivedAt),
		DTS:      s.clock.At(pkt.ReceivedAt),
		Sequence: s.audioSeq.Add(1) - 1,
	}

	select {
	case s.AudioOut <- mf:
	case <-ctx.Done():
	}
}

// onCorruption discards the in-flight access unit, requests a keyframe,
// and resets the decoder once corruption has happened
// CorruptionResetThreshold times within CorruptionWindow.
func (s *Stage) onCorruption(reason string) {
	if s.health != nil {
		s.health.RecordDrop(health.DropDecoderCorrupt)
	}
	s.logger.Debug("discarding corrupt access unit", "reason", reason)
	if s.keyReq != nil {
		s.keyReq.RequestKeyframe()
		if s.health != nil {
			s.health.KeyframesRequested.Add(1)
		}
	}

	s.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-CorruptionWindow)
	kept := s.corruptionTimes[:0]
	for _, t := range s.corruptionTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.corruptionTimes = kept
	shouldReset := len(s.corruptionTimes) >= CorruptionResetThreshold
	if shouldReset {
		s.corruptionTimes = nil
	}
	s.mu.Unlock()

	if shouldReset {
		s.logger.Warn("resetting video decoder after sustained corruption",
			"threshold", CorruptionResetThreshold, "window", CorruptionWindow)
		if err := s.videoDec.Reset(); err != nil {
			s.logger.Error("video decoder reset failed", "error", err)
		}
	}
}

func (s *Stage) Shutdown(ctx context.Context) error {
	return s.videoDec.Close()
}

func float32ToBytes(pcm []float32) []byte {
	out := make([]byte, len(pcm)*4)
	for i, v := range pcm {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

// FFmpegVideoDecoder decodes an H.264 AVC bitstream to raw YUV420p frames
// by piping access units into an `ffmpeg` subprocess and reading back one
// fixed-size frame per access unit written. Zero-latency tuning on the
// encode side (see pkg/encode) means the decoder never needs to buffer
// more than one access unit ahead to produce output.
type FFmpegVideoDecoder struct {
	width, height int
	frameSize     int
	pool          *framepool.Pool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// NewFFmpegVideoDecoder spawns the subprocess. pool must hand out buffers
// of at least width*height*3/2 bytes (one YUV420p frame).
func NewFFmpegVideoDecoder(width, height int, pool *framepool.Pool) (*FFmpegVideoDecoder, error) {
	d := &FFmpegVideoDecoder{
		width:     width,
		height:    height,
		frameSize: width * height * 3 / 2,
		pool:      pool,
	}
	if err := d.spawn(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FFmpegVideoDecoder) spawn() error {
	d.cmd = exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "pipe:0",
		"-pix_fmt", "yuv420p",
		"-f", "rawvideo", "pipe:1",
	)
	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("decode: ffmpeg stdin pipe: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decode: ffmpeg stdout pipe: %w", err)
	}
	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("decode: ffmpeg start: %w", err)
	}
	d.stdin = stdin
	d.stdout = stdout
	return nil
}

func (d *FFmpegVideoDecoder) Decode(au []byte) (*media.RawVideoFrame, error) {
	if _, err := d.stdin.Write(au); err != nil {
		return nil, fmt.Errorf("decode: ffmpeg stdin write: %w", err)
	}

	buf, release := d.pool.Acquire()
	if _, err := io.ReadFull(d.stdout, buf[:d.frameSize]); err != nil {
		release()
		return nil, fmt.Errorf("decode: ffmpeg stdout read: %w", err)
	}

	ySize := d.width * d.height
	cSize := ySize / 4
	f := &media.RawVideoFrame{
		Format: media.YUV420P,
		Width:  d.width,
		Height: d.height,
	}
	f.Strides[0] = d.width
	f.Strides[1] = d.width / 2
	f.Strides[2] = d.width / 2
	f.Planes[0] = buf[:ySize]
	f.Planes[1] = buf[ySize : ySize+cSize]
	f.Planes[2] = buf[ySize+cSize : ySize+2*cSize]
	f.SetRelease(release)
	return f, nil
}

// Reset kills and respawns the ffmpeg subprocess, discarding any partial
// decode state (spec.md §4.7's "repeated corruption triggers a decoder
// reset").
func (d *FFmpegVideoDecoder) Reset() error {
	_ = d.Close()
	return d.spawn()
}

func (d *FFmpegVideoDecoder) Close() error {
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
	return nil
}
