// Package encode implements EncodeStage: H.264 + Opus encoding, keyframe
// pacing/on-demand requests, and the drop-oldest-non-keyframe backpressure
// policy spec.md §4.3 mandates ahead of TransmitStage.
//
// Grounded on LanternOps-breeze's agent/internal/remote/desktop/encoder.go
// (EncoderConfig, the encoderBackend interface, and its
// optionalKeyframeForcer idiom) for the encoder interface shape, and the
// teacher's pkg/nest/queue.go ticketHeap/rate.Limiter pattern for the
// output queue's priority-aware eviction.
package encode

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/screencaster/pkg/audiocodec"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
	"github.com/ethan/screencaster/pkg/stage"
)

// KeyframeInterval is the targeted interval between forced keyframes
// (spec.md §4.3).
const KeyframeInterval = 2 * time.Second

// VideoEncoder is the narrow contract EncodeStage drives; a real backend
// wraps an external H.264 encoder process, a test backend returns
// synthetic NALUs.
type VideoEncoder interface {
	// Encode produces zero or more complete access units for one raw
	// input frame. forceKeyframe requests (but does not guarantee until
	// the next access unit) an IDR.
	Encode(frame *media.RawVideoFrame, forceKeyframe bool) (au []byte, isKeyframe bool, err error)
	Close() error
}

// outputQueue is EncodeStage's own bounded send queue ahead of
// TransmitStage, implementing the drop-oldest-non-keyframe policy. A
// plain Go channel cannot express "evict an arbitrary queued element",
// so the queue is represented explicitly and drained by Pop.
type outputQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*media.MediaFrame
	cap     int
	closed  bool
	health  *health.Monitor
}

func newOutputQueue(capacity int, h *health.Monitor) *outputQueue {
	q := &outputQueue{cap: capacity, health: h}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues mf, evicting the oldest non-keyframe if the queue is
// full. If the queue is full of keyframes (pathological per spec.md
// §4.3) Push blocks until space frees or ctx is cancelled.
func (q *outputQueue) Push(ctx context.Context, mf *media.MediaFrame) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return fmt.Errorf("encode: output queue closed")
		}
		if len(q.items) < q.cap {
			q.items = append(q.items, mf)
			q.mu.Unlock()
			q.cond.Broadcast()
			return nil
		}
		if idx := q.oldestNonKeyframe(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.items = append(q.items, mf)
			q.mu.Unlock()
			if q.health != nil {
				q.health.RecordDrop(health.DropBackpressure)
			}
			q.cond.Broadcast()
			return nil
		}
		// Queue is saturated with keyframes: block. Release the lock while
		// waiting for the next cond broadcast or for ctx to be cancelled.
		waitCh := make(chan struct{})
		go func() {
			q.cond.L.Lock()
			q.cond.Wait()
			q.cond.L.Unlock()
			close(waitCh)
		}()
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			q.cond.Broadcast() // release the waiter goroutine
			return ctx.Err()
		}
		q.mu.Lock()
	}
}

func (q *outputQueue) oldestNonKeyframe() int {
	for i, it := range q.items {
		if !it.IsKeyframe {
			return i
		}
	}
	return -1
}

// Pop blocks until an item is available, ctx is done, or the queue is closed.
func (q *outputQueue) Pop(ctx context.Context) (*media.MediaFrame, error) {
	q.mu.Lock()
	for len(q.items) == 0 && !q.closed {
		waitCh := make(chan struct{})
		go func() {
			q.cond.L.Lock()
			q.cond.Wait()
			q.cond.L.Unlock()
			close(waitCh)
		}()
		q.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			q.cond.Broadcast()
			return nil, ctx.Err()
		}
		q.mu.Lock()
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, fmt.Errorf("encode: output queue closed")
	}
	mf := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()
	return mf, nil
}

func (q *outputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stage implements stage.Stage for H.264/Opus encoding.
type Stage struct {
	videoIn  <-chan *media.MediaFrame
	audioIn  <-chan *media.MediaFrame
	Out      *outputQueue

	videoEnc VideoEncoder
	audioEnc *audiocodec.Encoder
	pool     *framepool.Pool
	health   *health.Monitor

	width, height int
	keyframeReq   chan struct{}
	keyframeLim   *rate.Limiter

	seq atomic.Uint64
}

// New constructs an EncodeStage. outCap is TransmitStage's channel
// capacity per spec.md §5 (8 for video).
func New(videoIn, audioIn <-chan *media.MediaFrame, videoEnc VideoEncoder, audioEnc *audiocodec.Encoder, pool *framepool.Pool, h *health.Monitor, width, height, outCap int) *Stage {
	return &Stage{
		videoIn:     videoIn,
		audioIn:     audioIn,
		Out:         newOutputQueue(outCap, h),
		videoEnc:    videoEnc,
		audioEnc:    audioEnc,
		pool:        pool,
		health:      h,
		width:       width,
		height:      height,
		keyframeReq: make(chan struct{}, 1),
		keyframeLim: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

func (s *Stage) Name() string { return "encode" }

// RequestKeyframe asks the encoder to force an IDR on its next video
// frame. Coalesced: callers do not block, and redundant requests within
// the limiter's window are absorbed.
func (s *Stage) RequestKeyframe() {
	if !s.keyframeLim.Allow() {
		return
	}
	select {
	case s.keyframeReq <- struct{}{}:
	default:
	}
}

func (s *Stage) Run(ctx context.Context) error {
	keyframeTicker := time.NewTicker(KeyframeInterval)
	defer keyframeTicker.Stop()

	forceNext := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keyframeTicker.C:
			forceNext = true
		case <-s.keyframeReq:
			forceNext = true
		case mf, ok := <-s.videoIn:
			if !ok {
				return nil
			}
			if err := s.handleVideo(ctx, mf, forceNext); err != nil {
				return err
			}
			forceNext = false
		case mf, ok := <-s.audioIn:
			if !ok {
				return nil
			}
			if err := s.handleAudio(ctx, mf); err != nil {
				s.health.RecordDrop(health.DropBackpressure)
			}
		}
	}
}

func (s *Stage) handleVideo(ctx context.Context, mf *media.MediaFrame, forceKeyframe bool) error {
	raw := unpackNV12(mf.Data, s.width, s.height)

	start := time.Now()
	au, isKeyframe, err := s.videoEnc.Encode(raw, forceKeyframe)
	encodeUs := time.Since(start).Microseconds()
	if err != nil {
		return stage.NewError(stage.EncoderFailure, err, stage.SessionFatal)
	}
	if len(au) == 0 {
		return nil
	}

	out := &media.MediaFrame{
		Kind:       media.Video,
		Data:       au,
		PTS:        mf.PTS,
		DTS:        mf.PTS,
		IsKeyframe: isKeyframe,
		Sequence:   s.seq.Add(1) - 1,
	}

	if err := s.Out.Push(ctx, out); err != nil {
		return nil
	}
	if s.health != nil {
		s.health.RecordEncodeLatency(encodeUs)
		s.health.FramesOut.Add(1)
	}
	return nil
}

func (s *Stage) handleAudio(ctx context.Context, mf *media.MediaFrame) error {
	pcm := bytesToFloat32(mf.Data)
	packet, err := s.audioEnc.Encode(pcm)
	if err != nil {
		return fmt.Errorf("encode: opus encode: %w", err)
	}

	out := &media.MediaFrame{
		Kind:     media.Audio,
		Data:     packet,
		PTS:      mf.PTS,
		DTS:      mf.PTS,
		Sequence: s.seq.Add(1) - 1,
	}
	return s.Out.Push(ctx, out)
}

func (s *Stage) Shutdown(ctx context.Context) error {
	s.Out.Close()
	return s.videoEnc.Close()
}

func unpackNV12(data []byte, width, height int) *media.RawVideoFrame {
	ySize := width * height
	f := &media.RawVideoFrame{Format: media.NV12, Width: width, Height: height}
	f.Strides[0], f.Strides[1] = width, width
	if len(data) >= ySize {
		f.Planes[0] = data[:ySize]
	}
	if len(data) > ySize {
		f.Planes[1] = data[ySize:]
	}
	return f
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
