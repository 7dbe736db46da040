// Package capture implements CaptureStage: the pipeline's source, pulling
// raw video frames and audio chunks from the platform at a paced rate
// and emitting them on two bounded output channels.
//
// Grounded on _examples/original_source/src/capture/stream.rs's
// Streamer.threaded_stream (interval tick, blank-screen check, try_send
// with a dropped-receiver path) and the teacher's pkg/relay/relay.go
// lifecycle shape (ctx/cancel/wg, OnXxxDisconnect retry callback),
// adapted from a fixed-tick loop to the deadline-paced, catch-up-aware
// loop spec.md §4.2 requires.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
	"github.com/ethan/screencaster/pkg/rawframe"
	"github.com/ethan/screencaster/pkg/stage"
)

// Opts is the watchable CaptureOpts snapshot from spec.md §3. The
// external collaborator (GUI, CLI) publishes new values via SetOpts;
// CaptureStage observes them only at frame boundaries, never mid-frame.
type Opts struct {
	DisplayID uint32
	Crop      *rawframe.Rect // nil = full display
	FPS       int            // 15-60
	Audio     bool
	Blank     bool
}

// Device is the platform capture backend CaptureStage drives. A real
// implementation wraps the OS screen/audio capture API; tests substitute
// a fake.
type Device interface {
	// ReadFrame blocks until the next video frame is available (or ctx is
	// done) and returns it. PixelFormat is always NV12.
	ReadFrame(ctx context.Context) (*media.RawVideoFrame, error)
	// ReadAudio blocks until the next 10ms stereo PCM float chunk is
	// available and returns it as raw bytes.
	ReadAudio(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	maxDeviceRetries  = 3
	retryBackoff      = 100 * time.Millisecond
	audioChunkPeriod  = 10 * time.Millisecond
)

// Stage implements stage.Stage for the capture source.
type Stage struct {
	device Device
	pool   *framepool.Pool
	mc     *clock.MediaClock
	health *health.Monitor
	logger *slog.Logger

	optsCh chan Opts
	opts   atomic.Pointer[Opts]

	VideoOut chan *media.MediaFrame
	AudioOut chan *media.MediaFrame

	videoSeq atomic.Uint64
	audioSeq atomic.Uint64

	shutdownCh chan struct{}
}

// New constructs a CaptureStage. Channel capacities follow spec.md §5:
// video=4, audio=32.
func New(device Device, pool *framepool.Pool, mc *clock.MediaClock, h *health.Monitor, logger *slog.Logger, initial Opts) *Stage {
	s := &Stage{
		device:     device,
		pool:       pool,
		mc:         mc,
		health:     h,
		logger:     logger.With("stage", "capture"),
		optsCh:     make(chan Opts, 1),
		VideoOut:   make(chan *media.MediaFrame, 4),
		AudioOut:   make(chan *media.MediaFrame, 32),
		shutdownCh: make(chan struct{}),
	}
	s.opts.Store(&initial)
	return s
}

func (s *Stage) Name() string { return "capture" }

// SetOpts publishes a new CaptureOpts snapshot. Applied at the next
// frame boundary (spec.md §4.2: "no partial frames").
func (s *Stage) SetOpts(o Opts) {
	select {
	case s.optsCh <- o:
	default:
		// drain stale pending value, then push the new one
		select {
		case <-s.optsCh:
		default:
		}
		s.optsCh <- o
	}
}

func (s *Stage) currentOpts() Opts {
	return *s.opts.Load()
}

// Run implements stage.Stage. It paces video frames against a per-frame
// deadline (spec.md §4.2's algorithm) and emits audio in parallel on a
// fixed 10ms tick.
func (s *Stage) Run(ctx context.Context) error {
	go s.runAudio(ctx)
	return s.runVideo(ctx)
}

func (s *Stage) runVideo(ctx context.Context) error {
	start := time.Now()
	var frameIdx int64
	var consecutiveFailures int

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdownCh:
			return nil
		case o := <-s.optsCh:
			s.opts.Store(&o)
		default:
		}

		opts := s.currentOpts()
		fps := opts.FPS
		if fps <= 0 {
			fps = 30
		}

		deadline := clock.Deadline(start, frameIdx, fps)
		period := time.Second / time.Duration(fps)
		now := time.Now()
		if deadline.Before(now.Add(-period)) {
			// fell behind by more than one frame period: skip ahead to
			// preserve wall-clock alignment rather than burst-catch-up.
			s.health.RecordDrop(health.DropSlowSource)
			frameIdx++
			continue
		}
		if deadline.After(now) {
			t := time.NewTimer(deadline.Sub(now))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-s.shutdownCh:
				t.Stop()
				return nil
			case <-t.C:
			}
		}

		frame, err := s.acquireFrame(ctx, opts)
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures > maxDeviceRetries {
				return stage.NewError(stage.CaptureUnavailable, err, stage.SessionFatal)
			}
			time.Sleep(retryBackoff)
			continue
		}
		consecutiveFailures = 0

		mf := &media.MediaFrame{
			Kind:       media.Video,
			Data:       encodePlanarPlaceholder(frame),
			PTS:        s.mc.At(frame.CapturedAt),
			IsKeyframe: false,
			Sequence:   s.videoSeq.Add(1) - 1,
		}
		s.health.FramesIn.Add(1)

		select {
		case s.VideoOut <- mf:
			s.health.FramesOut.Add(1)
		case <-ctx.Done():
			frame.Release()
			return nil
		case <-s.shutdownCh:
			frame.Release()
			return nil
		}
		frame.Release()
		frameIdx++
	}
}

func (s *Stage) acquireFrame(ctx context.Context, opts Opts) (*media.RawVideoFrame, error) {
	if opts.Blank {
		return rawframe.NewBlankFrame(1920, 1080), nil
	}

	f, err := s.device.ReadFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: read frame: %w", err)
	}
	if opts.Crop != nil {
		cropped, err := rawframe.Crop(f, *opts.Crop)
		if err != nil {
			f.Release()
			return nil, fmt.Errorf("capture: crop: %w", err)
		}
		f.Release()
		return cropped, nil
	}
	return f, nil
}

func (s *Stage) runAudio(ctx context.Context) {
	ticker := time.NewTicker(audioChunkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
		}

		if !s.currentOpts().Audio {
			continue
		}

		data, err := s.device.ReadAudio(ctx)
		if err != nil {
			s.logger.Debug("audio read failed", "error", err)
			continue
		}

		mf := &media.MediaFrame{
			Kind:     media.Audio,
			Data:     data,
			PTS:      s.mc.Now(),
			Sequence: s.audioSeq.Add(1) - 1,
		}

		select {
		case s.AudioOut <- mf:
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
			s.health.RecordDrop(health.DropBackpressure)
		}
	}
}

// Shutdown implements stage.Stage.
func (s *Stage) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	return s.device.Close()
}

// encodePlanarPlaceholder packs the raw NV12 planes into MediaFrame.Data
// for stages downstream of capture that operate on raw bytes (EncodeStage
// reconstructs the RawVideoFrame from this and the frame's known
// dimensions before handing it to the H.264 encoder).
func encodePlanarPlaceholder(f *media.RawVideoFrame) []byte {
	out := make([]byte, 0, len(f.Planes[0])+len(f.Planes[1]))
	out = append(out, f.Planes[0]...)
	out = append(out, f.Planes[1]...)
	return out
}
