package encode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

func TestOutputQueueEvictsOldestNonKeyframeWhenFull(t *testing.T) {
	q := newOutputQueue(2, health.New(nil))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 1}))
	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 2}))
	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 3}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first.Sequence, "oldest non-keyframe (seq 1) should have been evicted")

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), second.Sequence)
}

func TestOutputQueueNeverEvictsKeyframes(t *testing.T) {
	q := newOutputQueue(2, health.New(nil))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 1, IsKeyframe: true}))
	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 2, IsKeyframe: false}))
	require.NoError(t, q.Push(ctx, &media.MediaFrame{Sequence: 3, IsKeyframe: false}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsKeyframe)
	assert.Equal(t, uint64(1), first.Sequence)
}

func TestOutputQueuePushBlocksWhenFullOfKeyframesUntilCancel(t *testing.T) {
	q := newOutputQueue(1, health.New(nil))
	require.NoError(t, q.Push(context.Background(), &media.MediaFrame{IsKeyframe: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Push(ctx, &media.MediaFrame{IsKeyframe: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeEncoder struct {
	keyframeEvery int
	calls         int
}

func (f *fakeEncoder) Encode(frame *media.RawVideoFrame, forceKeyframe bool) ([]byte, bool, error) {
	f.calls++
	isKey := forceKeyframe || (f.keyframeEvery > 0 && f.calls%f.keyframeEvery == 0)
	return []byte{1, 2, 3}, isKey, nil
}

func (f *fakeEncoder) Close() error { return nil }

func TestEncodeStageForwardsVideoFramesWithIncreasingSequence(t *testing.T) {
	videoIn := make(chan *media.MediaFrame, 4)
	audioIn := make(chan *media.MediaFrame)
	enc := &fakeEncoder{}
	h := health.New(nil)

	s := New(videoIn, audioIn, enc, nil, nil, h, 4, 4, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	raw := make([]byte, 4*4+4*4/2)
	videoIn <- &media.MediaFrame{Kind: media.Video, Data: raw, PTS: 100}
	videoIn <- &media.MediaFrame{Kind: media.Video, Data: raw, PTS: 200}

	first, err := s.Out.Pop(context.Background())
	require.NoError(t, err)
	second, err := s.Out.Pop(context.Background())
	require.NoError(t, err)

	assert.Less(t, first.Sequence, second.Sequence)
}
