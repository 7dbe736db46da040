// Package sync implements SyncStage: releasing decoded video frames in
// step with audio playback progress, dropping frames that fall too far
// behind and holding back ones that arrive too early (spec.md §4.8).
//
// The lock-free output handle is a single-slot latest-value buffer built
// on one atomic.Pointer (not a three-slot triple buffer), following the teacher's atomic-counter idiom
// (pkg/relay/relay.go's atomic.Uint64 state) generalized from a scalar
// counter to a swappable pointer so a GUI consumer can read the latest
// committed frame without ever blocking the pipeline's producer side.
package sync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

// Defaults per spec.md §4.8.
const (
	SlackEarly = 10 * time.Millisecond
	SlackLate  = 50 * time.Millisecond
)

// AudioOutCapacity mirrors the 32-chunk audio buffering spec.md §5 states.
const AudioOutCapacity = 32

// pollInterval bounds how long a video frame can sit waiting for the
// audio tracker to catch up before Run re-checks it.
const pollInterval = 5 * time.Millisecond

// AudioTracker reports the presentation timestamp (microseconds) of
// audio currently being rendered. Both implementations below are safe
// for concurrent use.
type AudioTracker interface {
	CurrentPTS() int64
}

// clockTracker is the audio-disabled fallback: presentation time tracks
// the shared MediaClock directly, so video frames release as soon as
// their own PTS has elapsed in wall-clock terms (spec.md §4.8, "if audio
// is disabled, the MediaClock replaces the tracker").
type clockTracker struct {
	mc *clock.MediaClock
}

func (c *clockTracker) CurrentPTS() int64 { return c.mc.Now() }

// audioProgressTracker derives "currently rendering" PTS from the audio
// chunks SyncStage itself has just handed to the outbound AudioOut
// handle. This is the audio-playback tracker spec.md §4.8 describes,
// approximated: since rendering of a handed-off chunk happens in an
// out-of-scope GUI/audio-output collaborator (spec.md §1's Non-goals),
// SyncStage has no direct hardware playback-position feedback, so it
// treats hand-off time as a proxy for render time. The approximation's
// error is bounded by the collaborator's own output buffering, which is
// outside this module's control either way.
type audioProgressTracker struct {
	pts atomic.Int64
}

func (t *audioProgressTracker) observe(pts int64) { t.pts.Store(pts) }
func (t *audioProgressTracker) CurrentPTS() int64 { return t.pts.Load() }

// Buffer is a lock-free single-slot buffer: Commit swaps in the newest
// ready frame and releases whatever it displaced back to its pool;
// Latest reads the most recently committed frame without blocking the
// writer. It has one slot, not three: there is no separate slot a reader
// keeps while the writer commits, so the frame Latest returned is
// released by the next Commit even if the reader still holds it.
type Buffer struct {
	slot atomic.Pointer[media.RawVideoFrame]
}

// Commit installs f as the newest display-ready frame, releasing the
// frame it replaces (if any) back to its pool.
func (b *Buffer) Commit(f *media.RawVideoFrame) {
	old := b.slot.Swap(f)
	if old != nil {
		old.Release()
	}
}

// Latest returns the most recently committed frame, or nil if none has
// been committed yet. The caller must not call Release on it; ownership
// stays with the Buffer until a later Commit displaces it.
func (b *Buffer) Latest() *media.RawVideoFrame {
	return b.slot.Load()
}

// Stage implements stage.Stage for audio/video synchronization.
type Stage struct {
	videoIn <-chan *media.RawVideoFrame // decode.Stage.VideoOut
	audioIn <-chan *media.MediaFrame    // decode.Stage.AudioOut; nil if audio disabled

	mc       *clock.MediaClock
	tracker  AudioTracker
	progress *audioProgressTracker // nil when audio is disabled

	Buffer   *Buffer
	AudioOut chan *media.MediaFrame // outbound handle for the audio-rendering collaborator

	health *health.Monitor
	logger *slog.Logger

	pending []*media.RawVideoFrame // frames waiting on the tracker, oldest first
}

// New constructs a SyncStage. audioIn may be nil (audio disabled), in
// which case the MediaClock stands in for the audio tracker.
func New(videoIn <-chan *media.RawVideoFrame, audioIn <-chan *media.MediaFrame, mc *clock.MediaClock,
	h *health.Monitor, logger *slog.Logger) *Stage {
	s := &Stage{
		videoIn:  videoIn,
		audioIn:  audioIn,
		mc:       mc,
		Buffer:   &Buffer{},
		health:   h,
		logger:   logger.With("stage", "sync"),
		AudioOut: make(chan *media.MediaFrame, AudioOutCapacity),
	}
	if audioIn != nil {
		pt := &audioProgressTracker{}
		s.progress = pt
		s.tracker = pt
	} else {
		s.tracker = &clockTracker{mc: mc}
	}
	return s
}

func (s *Stage) Name() string { return "sync" }

func (s *Stage) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.dropAllPending()
			return nil
		case f, ok := <-s.videoIn:
			if !ok {
				s.dropAllPending()
				return nil
			}
			s.pending = append(s.pending, f)
			s.drainReady()
		case mf, ok := <-s.audioIn:
			if !ok {
				s.audioIn = nil // stop selecting on a closed channel
				continue
			}
			if s.progress != nil {
				s.progress.observe(mf.PTS)
			}
			select {
			case s.AudioOut <- mf:
			case <-ctx.Done():
			}
			s.drainReady()
		case <-ticker.C:
			s.drainReady()
		}
	}
}

// drainReady walks the pending queue in PTS order, releasing frames that
// have caught up with the tracker and dropping ones that have fallen too
// far behind, stopping at the first frame that's still too early.
func (s *Stage) drainReady() {
	current := s.tracker.CurrentPTS()

	kept := s.pending[:0]
	for _, f := range s.pending {
		pts := s.clockMicros(f)
		switch {
		case pts < current-SlackLate.Microseconds():
			if s.health != nil {
				s.health.RecordDrop(health.DropSyncLate)
			}
			f.Release()
		case pts <= current+SlackEarly.Microseconds():
			s.Buffer.Commit(f)
			if s.health != nil {
				s.health.FramesOut.Add(1)
			}
		default:
			kept = append(kept, f)
		}
	}
	s.pending = kept
}

// clockMicros derives a frame's presentation timestamp from its
// wall-clock capture time via the pipeline's shared MediaClock, the same
// epoch every other stage's PTS values are measured against (including
// the clock-fallback tracker and decode's audio PTS), so frame PTS and
// tracker PTS are always directly comparable.
func (s *Stage) clockMicros(f *media.RawVideoFrame) int64 {
	return s.mc.At(f.CapturedAt)
}

func (s *Stage) dropAllPending() {
	for _, f := range s.pending {
		if s.health != nil {
			s.health.RecordDrop(health.DropShutdown)
		}
		f.Release()
	}
	s.pending = nil
}

func (s *Stage) Shutdown(ctx context.Context) error {
	return nil
}
