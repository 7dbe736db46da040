package sender

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/clock"
	rawmedia "github.com/ethan/screencaster/pkg/media"

	"github.com/ethan/screencaster/pkg/health"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDevice struct{}

func (d *fakeDevice) ReadFrame(ctx context.Context) (*rawmedia.RawVideoFrame, error) {
	f := &rawmedia.RawVideoFrame{Format: rawmedia.NV12, Width: 4, Height: 4, CapturedAt: time.Now()}
	f.Strides[0], f.Strides[1] = 4, 4
	f.Planes[0] = make([]byte, 16)
	f.Planes[1] = make([]byte, 8)
	return f, nil
}

func (d *fakeDevice) ReadAudio(ctx context.Context) ([]byte, error) { return make([]byte, 192), nil }
func (d *fakeDevice) Close() error                                 { return nil }

type fakeEncoder struct{ calls int }

func (e *fakeEncoder) Encode(frame *rawmedia.RawVideoFrame, forceKeyframe bool) ([]byte, bool, error) {
	e.calls++
	return []byte{1, 2, 3}, forceKeyframe || e.calls == 1, nil
}
func (e *fakeEncoder) Close() error { return nil }

type fakeWriter struct {
	videoCount int
}

func (w *fakeWriter) WriteVideoSample(media.Sample) error { w.videoCount++; return nil }
func (w *fakeWriter) WriteAudioSample(media.Sample) error { return nil }
func (w *fakeWriter) SetOnKeyframeRequest(func())         {}
func (w *fakeWriter) Close() error                        { return nil }

func TestSenderCoordinatorDeliversFramesToAttachedPeer(t *testing.T) {
	h := health.New(nil)
	coord := New(&fakeDevice{}, &fakeEncoder{}, nil, nil, clock.New(), h, nil, nopLogger(),
		Config{Width: 4, Height: 4, FPS: 30, OutCap: 8}, nil)

	w := &fakeWriter{}
	coord.Attach("peer-1", w)

	require.NoError(t, coord.Start(context.Background()))
	defer coord.Stop(context.Background())

	require.Eventually(t, func() bool {
		return w.videoCount > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, coord.Transmit.PeerCount())
}
