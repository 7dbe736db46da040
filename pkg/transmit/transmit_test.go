package transmit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediapkg "github.com/ethan/screencaster/pkg/media"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chanSource adapts a plain channel to the FrameSource interface for tests.
type chanSource chan *mediapkg.MediaFrame

func (c chanSource) Pop(ctx context.Context) (*mediapkg.MediaFrame, error) {
	select {
	case mf, ok := <-c:
		if !ok {
			return nil, context.Canceled
		}
		return mf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeRequester struct{ calls int }

func (f *fakeRequester) RequestKeyframe() { f.calls++ }

type fakeWriter struct {
	mu         sync.Mutex
	videoCount int
	audioCount int
	writeErr   error
	onKeyframe func()
}

func (w *fakeWriter) WriteVideoSample(media.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.videoCount++
	return w.writeErr
}

func (w *fakeWriter) WriteAudioSample(media.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audioCount++
	return w.writeErr
}

func (w *fakeWriter) SetOnKeyframeRequest(fn func()) { w.onKeyframe = fn }
func (w *fakeWriter) Close() error                   { return nil }

func (w *fakeWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.videoCount, w.audioCount
}

func TestAttachRequestsImmediateKeyframe(t *testing.T) {
	req := &fakeRequester{}
	s := New(chanSource(make(chan *mediapkg.MediaFrame)), req, nopLogger())

	s.Attach("peer-1", &fakeWriter{})
	assert.Equal(t, 1, req.calls)
	assert.Equal(t, 1, s.PeerCount())
}

func TestFanOutDeliversToAllAttachedPeers(t *testing.T) {
	in := make(chan *mediapkg.MediaFrame, 1)
	s := New(chanSource(in), &fakeRequester{}, nopLogger())

	w1, w2 := &fakeWriter{}, &fakeWriter{}
	s.Attach("peer-1", w1)
	s.Attach("peer-2", w2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- &mediapkg.MediaFrame{Kind: mediapkg.Video, Data: []byte{1, 2, 3}}

	require.Eventually(t, func() bool {
		v1, _ := w1.counts()
		v2, _ := w2.counts()
		return v1 == 1 && v2 == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFanOutIsolatesOneFailingPeer(t *testing.T) {
	in := make(chan *mediapkg.MediaFrame, 1)
	s := New(chanSource(in), &fakeRequester{}, nopLogger())

	failing := &fakeWriter{writeErr: errors.New("connection reset")}
	healthy := &fakeWriter{}
	s.Attach("peer-failing", failing)
	s.Attach("peer-healthy", healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- &mediapkg.MediaFrame{Kind: mediapkg.Audio, Data: []byte{9}}

	require.Eventually(t, func() bool {
		_, a := healthy.counts()
		return a == 1
	}, time.Second, 5*time.Millisecond)

	_, a := failing.counts()
	assert.Equal(t, 1, a, "the failing peer should still have been attempted")
}

func TestDetachRemovesPeerFromFanOut(t *testing.T) {
	in := make(chan *mediapkg.MediaFrame, 1)
	s := New(chanSource(in), &fakeRequester{}, nopLogger())

	w := &fakeWriter{}
	s.Attach("peer-1", w)
	s.Detach("peer-1")
	assert.Equal(t, 0, s.PeerCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	in <- &mediapkg.MediaFrame{Kind: mediapkg.Video, Data: []byte{1}}
	time.Sleep(20 * time.Millisecond)

	v, _ := w.counts()
	assert.Equal(t, 0, v)
}
