// Package reorder implements ReorderStage: a bounded jitter buffer keyed
// by extended RTP sequence number that outputs packets in sequence
// order, forcing the next-expected cursor forward when a gap has waited
// too long or the buffer has filled (spec.md §4.6).
//
// The priority-queue core is grounded on the teacher's pkg/nest/queue.go
// ticketHeap (a container/heap.Interface min-heap, same Push/Pop/Less
// shape), repurposed from command priority to sequence-number ordering,
// and its rate.Limiter use for outbound pacing is repurposed here to
// throttle the out-of-band keyframe request so sustained loss doesn't
// spam the sender with PLI/FIR requests.
package reorder

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

// Config mirrors spec.md §4.6's ReorderConfig.
type Config struct {
	MaxWait              time.Duration
	MaxPackets           int
	LossWindow           time.Duration
	KeyframeReqThreshold float32
}

// DefaultConfig returns spec.md §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:              80 * time.Millisecond,
		MaxPackets:           256,
		LossWindow:           2 * time.Second,
		KeyframeReqThreshold: 0.05,
	}
}

// TooOldThreshold is how far behind the next-expected sequence an
// arriving packet has to be before it's logged as a pathological
// reorder rather than ordinary jitter. Either way it's discarded: the
// output cursor has already passed its slot.
const TooOldThreshold = 32

// OutCapacity is the reorder->decode channel size (spec.md §5).
const OutCapacity = 32

// forcedAdvancePoll is how often Run checks whether the oldest buffered
// packet has waited past MaxWait. Small relative to the 80ms default so
// the forced advance fires close to its deadline.
const forcedAdvancePoll = 5 * time.Millisecond

// KeyframeRequester is the out-of-band channel back to the sender
// (PLI/FIR over RTCP, or a WebRTC data channel) used once sustained loss
// crosses KeyframeReqThreshold.
type KeyframeRequester interface {
	RequestKeyframe()
}

type entry struct {
	extSeq     uint32
	pkt        *media.RtpPacket
	insertedAt time.Time
}

// seqHeap is a min-heap ordered by extended sequence number.
type seqHeap []*entry

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].extSeq < h[j].extSeq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Stage implements stage.Stage for sequence reordering.
type Stage struct {
	in  <-chan *media.RtpPacket
	Out chan *media.RtpPacket

	cfg    Config
	health *health.Monitor
	keyReq KeyframeRequester
	keyLim *rate.Limiter
	logger *slog.Logger

	mu      sync.Mutex
	buf     seqHeap
	index   map[uint32]struct{}
	have    bool
	nextSeq uint32

	// extended-sequence-number tracking: an RFC 3711-style half-range
	// test on the signed delta between an arriving raw 16-bit sequence
	// number and the highest one seen so far, incrementing a 32-bit
	// wrap counter whenever that delta indicates forward wraparound.
	haveRaw    bool
	highestRaw uint16
	cycles     uint32

	windowStart time.Time
	windowLoss  int
	windowTotal int
}

// New constructs a ReorderStage reading off in (typically ReceiveStage.VideoOut).
func New(in <-chan *media.RtpPacket, cfg Config, keyReq KeyframeRequester, h *health.Monitor, logger *slog.Logger) *Stage {
	buf := make(seqHeap, 0, cfg.MaxPackets)
	heap.Init(&buf)
	return &Stage{
		in:     in,
		Out:    make(chan *media.RtpPacket, OutCapacity),
		cfg:    cfg,
		health: h,
		keyReq: keyReq,
		keyLim: rate.NewLimiter(rate.Every(time.Second), 1),
		logger: logger.With("stage", "reorder"),
		buf:    buf,
		index:  make(map[uint32]struct{}),
	}
}

func (s *Stage) Name() string { return "reorder" }

// extend converts a raw 16-bit sequence number to a monotonic 32-bit
// extended one. Must be called in arrival order.
func (s *Stage) extend(seq uint16) uint32 {
	if !s.haveRaw {
		s.haveRaw = true
		s.highestRaw = seq
		return seq
	}
	delta := int16(seq - s.highestRaw)
	if delta > 0 {
		if seq < s.highestRaw {
			s.cycles++
		}
		s.highestRaw = seq
	}
	return s.cycles<<16 | uint32(seq)
}

func (s *Stage) Run(ctx context.Context) error {
	ticker := time.NewTicker(forcedAdvancePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-s.in:
			if !ok {
				return nil
			}
			s.handleArrival(pkt)
		case <-ticker.C:
			s.checkForcedAdvance()
		}
		if !s.emitReady(ctx) {
			return nil
		}
	}
}

func (s *Stage) handleArrival(pkt *media.RtpPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	extSeq := s.extend(pkt.SequenceNumber)

	if !s.have {
		s.have = true
		s.nextSeq = extSeq
	}

	if _, dup := s.index[extSeq]; dup {
		s.health.RecordDrop(health.DropDuplicate)
		return
	}

	if extSeq < s.nextSeq {
		s.health.RecordDrop(health.DropLatePacket)
		if s.nextSeq-extSeq > TooOldThreshold {
			s.logger.Debug("discarding far-too-old packet",
				"ext_seq", extSeq, "next_expected", s.nextSeq)
		}
		return
	}

	heap.Push(&s.buf, &entry{extSeq: extSeq, pkt: pkt, insertedAt: time.Now()})
	s.index[extSeq] = struct{}{}
}

// checkForcedAdvance implements the two output conditions beyond "next
// expected is at head": max_wait elapsed on the oldest packet, or
// occupancy exceeding max_packets.
func (s *Stage) checkForcedAdvance() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return
	}
	oldest := s.buf[0]
	waited := time.Since(oldest.insertedAt) >= s.cfg.MaxWait
	overflowing := len(s.buf) > s.cfg.MaxPackets
	if waited || overflowing {
		s.forceAdvanceToLocked(oldest.extSeq)
	}
}

// forceAdvanceToLocked skips nextSeq forward to seq, reporting every
// sequence number in between as a loss. Caller holds s.mu.
func (s *Stage) forceAdvanceToLocked(seq uint32) {
	if seq <= s.nextSeq {
		return
	}
	skipped := int(seq - s.nextSeq)
	for i := 0; i < skipped; i++ {
		s.health.RecordDrop(health.DropPacketLoss)
	}
	s.recordLossWindowLocked(skipped)
	s.nextSeq = seq
}

// recordLossWindowLocked folds lost (missing sequence numbers skipped by
// a forced advance) into the sliding loss-fraction window and requests a
// keyframe, rate-limited, once the fraction crosses KeyframeReqThreshold.
// Caller holds s.mu.
func (s *Stage) recordLossWindowLocked(lost int) {
	now := time.Now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) > s.cfg.LossWindow {
		s.windowStart = now
		s.windowLoss = 0
		s.windowTotal = 0
	}

	s.windowTotal += lost + 1
	s.windowLoss += lost

	if s.windowTotal == 0 {
		return
	}
	if float32(s.windowLoss)/float32(s.windowTotal) <= s.cfg.KeyframeReqThreshold {
		return
	}
	if s.keyReq == nil || !s.keyLim.Allow() {
		return
	}
	s.keyReq.RequestKeyframe()
	if s.health != nil {
		s.health.KeyframesRequested.Add(1)
	}
}

// emitReady drains every buffered packet currently at the head position,
// advancing nextSeq as it goes. Returns false if ctx was cancelled
// mid-drain (Run should stop).
func (s *Stage) emitReady(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 || s.buf[0].extSeq != s.nextSeq {
			s.mu.Unlock()
			return true
		}
		e := heap.Pop(&s.buf).(*entry)
		s.nextSeq++
		// Emitted sequence numbers stay in the index for TooOldThreshold
		// slots, so a re-sent copy is counted as a duplicate, not as late.
		for seq := range s.index {
			if seq < s.nextSeq && s.nextSeq-seq > TooOldThreshold {
				delete(s.index, seq)
			}
		}
		s.recordLossWindowLocked(0)
		s.mu.Unlock()

		select {
		case s.Out <- e.pkt:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Stage) Shutdown(ctx context.Context) error {
	return nil
}
