package reorder

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKeyframeRequester struct{ calls int }

func (f *fakeKeyframeRequester) RequestKeyframe() { f.calls++ }

func rtp(seq uint16) *media.RtpPacket {
	return &media.RtpPacket{SequenceNumber: seq, Kind: media.Video, Payload: []byte{byte(seq)}}
}

func drainSeqs(t *testing.T, out chan *media.RtpPacket, n int) []uint16 {
	t.Helper()
	got := make([]uint16, 0, n)
	deadline := time.After(time.Second)
	for len(got) < n {
		select {
		case p := <-out:
			got = append(got, p.SequenceNumber)
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets, got %d", n, len(got))
		}
	}
	return got
}

func TestInOrderPacketsPassThroughImmediately(t *testing.T) {
	in := make(chan *media.RtpPacket, 8)
	s := New(in, DefaultConfig(), nil, health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- rtp(1)
	in <- rtp(2)
	in <- rtp(3)

	got := drainSeqs(t, s.Out, 3)
	assert.Equal(t, []uint16{1, 2, 3}, got)
}

func TestOutOfOrderPacketsAreReordered(t *testing.T) {
	in := make(chan *media.RtpPacket, 8)
	s := New(in, DefaultConfig(), nil, health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- rtp(1)
	in <- rtp(3)
	in <- rtp(2)

	got := drainSeqs(t, s.Out, 3)
	assert.Equal(t, []uint16{1, 2, 3}, got)
}

func TestDuplicatePacketIsDiscarded(t *testing.T) {
	h := health.New(nil)
	in := make(chan *media.RtpPacket, 8)
	s := New(in, DefaultConfig(), nil, h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- rtp(1)
	in <- rtp(2)
	in <- rtp(2) // duplicate

	got := drainSeqs(t, s.Out, 2)
	assert.Equal(t, []uint16{1, 2}, got)
	assert.Equal(t, uint64(1), h.DropCount(health.DropDuplicate))
}

func TestTooOldPacketIsDiscardedAsLate(t *testing.T) {
	h := health.New(nil)
	in := make(chan *media.RtpPacket, 8)
	s := New(in, DefaultConfig(), nil, h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- rtp(100)
	require.Equal(t, []uint16{100}, drainSeqs(t, s.Out, 1))

	// Arrives after the cursor has already moved past it.
	in <- rtp(50)
	in <- rtp(101)
	require.Equal(t, []uint16{101}, drainSeqs(t, s.Out, 1))

	require.Eventually(t, func() bool {
		return h.DropCount(health.DropLatePacket) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBufferOverflowForcesAdvanceAndCountsLoss(t *testing.T) {
	h := health.New(nil)
	in := make(chan *media.RtpPacket, 512)
	cfg := DefaultConfig()
	cfg.MaxPackets = 4
	cfg.MaxWait = time.Hour // disable the wait-based trigger so only occupancy forces advance
	req := &fakeKeyframeRequester{}
	s := New(in, cfg, req, h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- rtp(1)
	require.Equal(t, []uint16{1}, drainSeqs(t, s.Out, 1))

	// Sequence 2 never arrives; 3..7 buffer up past MaxPackets, forcing
	// the cursor to skip the gap it left.
	for seq := uint16(3); seq <= 7; seq++ {
		in <- rtp(seq)
	}

	got := drainSeqs(t, s.Out, 5)
	assert.Equal(t, []uint16{3, 4, 5, 6, 7}, got)

	require.Eventually(t, func() bool {
		return h.DropCount(health.DropPacketLoss) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSustainedLossRequestsKeyframe(t *testing.T) {
	h := health.New(nil)
	in := make(chan *media.RtpPacket, 512)
	cfg := DefaultConfig()
	cfg.MaxPackets = 2
	cfg.MaxWait = time.Hour
	cfg.KeyframeReqThreshold = 0.1
	req := &fakeKeyframeRequester{}
	s := New(in, cfg, req, h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// Skip every other sequence number so the sliding-window loss
	// fraction climbs well past the 10% threshold.
	seq := uint16(1)
	for i := 0; i < 30; i++ {
		seq += 2 // always leaves a 1-packet gap behind
		in <- rtp(seq)
	}

	require.Eventually(t, func() bool {
		return req.calls >= 1
	}, time.Second, 5*time.Millisecond)
}
