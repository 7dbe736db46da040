package decode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVideoDecoder struct {
	failNext  bool
	resets    int
	decodeCnt int
}

func (d *fakeVideoDecoder) Decode(au []byte) (*media.RawVideoFrame, error) {
	d.decodeCnt++
	if d.failNext {
		d.failNext = false
		return nil, errors.New("synthetic decode failure")
	}
	return &media.RawVideoFrame{Format: media.YUV420P, Width: 2, Height: 2}, nil
}

func (d *fakeVideoDecoder) Reset() error { d.resets++; return nil }
func (d *fakeVideoDecoder) Close() error { return nil }

type fakeAudioDecoder struct {
	fail bool
}

func (d *fakeAudioDecoder) Decode(packet []byte) ([]float32, error) {
	if d.fail {
		return nil, errors.New("synthetic opus failure")
	}
	return []float32{0.1, 0.2}, nil
}

// alwaysFailVideoDecoder fails every Decode call so each arriving access
// unit counts as corruption, driving the sustained-corruption reset path.
type alwaysFailVideoDecoder struct {
	resets atomic.Int64
}

func (d *alwaysFailVideoDecoder) Decode(au []byte) (*media.RawVideoFrame, error) {
	return nil, errors.New("synthetic decode failure")
}
func (d *alwaysFailVideoDecoder) Reset() error { d.resets.Add(1); return nil }
func (d *alwaysFailVideoDecoder) Close() error { return nil }

type fakeKeyframeRequester struct{ calls int }

func (f *fakeKeyframeRequester) RequestKeyframe() { f.calls++ }

// singleNALUPacket builds an RTP packet carrying a complete single-NALU
// H.264 payload (type 1, a non-IDR slice) with the marker bit set, so the
// depacketizer emits exactly one access unit per packet.
func singleNALUPacket(seq uint16) *media.RtpPacket {
	payload := []byte{0x01, 0xAA, 0xBB, 0xCC} // NAL header (type=1) + fake slice bytes
	return &media.RtpPacket{
		SequenceNumber: seq,
		Kind:           media.Video,
		Payload:        payload,
		Marker:         true,
		ReceivedAt:     time.Now(),
	}
}

func TestDecodesVideoAccessUnitsInOrder(t *testing.T) {
	videoIn := make(chan *media.RtpPacket, 4)
	audioIn := make(chan *media.RtpPacket, 4)
	vdec := &fakeVideoDecoder{}
	s := New(videoIn, audioIn, vdec, &fakeAudioDecoder{}, nil, clock.New(), health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	videoIn <- singleNALUPacket(1)
	videoIn <- singleNALUPacket(2)

	select {
	case f := <-s.VideoOut:
		require.NotNil(t, f)
		assert.Equal(t, media.YUV420P, f.Format)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first decoded frame")
	}
	select {
	case f := <-s.VideoOut:
		require.NotNil(t, f)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second decoded frame")
	}
	assert.Equal(t, 2, vdec.decodeCnt)
}

func TestCorruptAccessUnitRequestsKeyframeAndContinues(t *testing.T) {
	h := health.New(nil)
	req := &fakeKeyframeRequester{}
	videoIn := make(chan *media.RtpPacket, 4)
	audioIn := make(chan *media.RtpPacket, 4)
	vdec := &fakeVideoDecoder{failNext: true}
	s := New(videoIn, audioIn, vdec, &fakeAudioDecoder{}, req, clock.New(), h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	videoIn <- singleNALUPacket(1) // fails: failNext
	videoIn <- singleNALUPacket(2) // succeeds

	select {
	case f := <-s.VideoOut:
		require.NotNil(t, f)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded frame after corruption recovery")
	}

	assert.Equal(t, 1, req.calls)
	assert.Equal(t, uint64(1), h.DropCount(health.DropDecoderCorrupt))
	assert.Equal(t, 0, vdec.resets)
}

func TestSustainedCorruptionResetsDecoder(t *testing.T) {
	h := health.New(nil)
	req := &fakeKeyframeRequester{}

	// A decoder that fails every call, so every access unit pushed
	// through counts as corruption.
	vdec := &alwaysFailVideoDecoder{}
	videoIn := make(chan *media.RtpPacket, 32)
	audioIn := make(chan *media.RtpPacket, 4)
	s := New(videoIn, audioIn, vdec, &fakeAudioDecoder{}, req, clock.New(), h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for seq := uint16(1); seq <= uint16(CorruptionResetThreshold); seq++ {
		videoIn <- singleNALUPacket(seq)
	}

	require.Eventually(t, func() bool {
		return vdec.resets.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestAudioPacketsAreDecodedIndependentlyOfVideo(t *testing.T) {
	videoIn := make(chan *media.RtpPacket, 4)
	audioIn := make(chan *media.RtpPacket, 4)
	s := New(videoIn, audioIn, &fakeVideoDecoder{}, &fakeAudioDecoder{}, nil, clock.New(), health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	audioIn <- &media.RtpPacket{Kind: media.Audio, Payload: []byte{0x01}, ReceivedAt: time.Now()}

	select {
	case mf := <-s.AudioOut:
		assert.Equal(t, media.Audio, mf.Kind)
		assert.Equal(t, 8, len(mf.Data)) // 2 float32 samples, 4 bytes each
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded audio chunk")
	}
}

func TestAudioDecodeFailureIsDroppedAndCounted(t *testing.T) {
	h := health.New(nil)
	videoIn := make(chan *media.RtpPacket, 4)
	audioIn := make(chan *media.RtpPacket, 4)
	s := New(videoIn, audioIn, &fakeVideoDecoder{}, &fakeAudioDecoder{fail: true}, nil, clock.New(), h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	audioIn <- &media.RtpPacket{Kind: media.Audio, Payload: []byte{0x01}, ReceivedAt: time.Now()}

	select {
	case <-s.AudioOut:
		t.Fatal("expected no audio chunk on decode failure")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, uint64(1), h.DropCount(health.DropDecoderCorrupt))
}
