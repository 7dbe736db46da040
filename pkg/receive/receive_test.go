package receive

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/media"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrack struct {
	mu      sync.Mutex
	ssrc    webrtc.SSRC
	packets []*rtp.Packet
	idx     int
}

func (t *fakeTrack) SSRC() webrtc.SSRC { return t.ssrc }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idx >= len(t.packets) {
		return nil, nil, io.EOF
	}
	p := t.packets[t.idx]
	t.idx++
	return p, nil, nil
}

func pkt(ssrc uint32, seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{SSRC: ssrc, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, PayloadType: 96},
		Payload: []byte{0xAA, 0xBB},
	}
}

func drain(ch chan *media.RtpPacket, n int, timeout time.Duration) []*media.RtpPacket {
	out := make([]*media.RtpPacket, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case p := <-ch:
			out = append(out, p)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestForwardsPacketsWithMatchingSSRC(t *testing.T) {
	video := &fakeTrack{ssrc: 100, packets: []*rtp.Packet{pkt(100, 1), pkt(100, 2), pkt(100, 3)}}
	s := New(video, nil, health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	got := drain(s.VideoOut, 3, time.Second)
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, uint16(i+1), p.SequenceNumber)
		assert.Equal(t, media.Video, p.Kind)
		assert.Equal(t, []byte{0xAA, 0xBB}, p.Payload)
	}
}

func TestDropsPacketsWithUnknownSSRC(t *testing.T) {
	h := health.New(nil)
	video := &fakeTrack{ssrc: 100, packets: []*rtp.Packet{pkt(100, 1), pkt(999, 2), pkt(100, 3)}}
	s := New(video, nil, h, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	got := drain(s.VideoOut, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, uint16(1), got[0].SequenceNumber)
	assert.Equal(t, uint16(3), got[1].SequenceNumber)
	assert.Equal(t, uint64(1), h.DropCount(health.DropUnknownSSRC))
}

func TestAudioAndVideoDeliveredOnSeparateChannels(t *testing.T) {
	video := &fakeTrack{ssrc: 100, packets: []*rtp.Packet{pkt(100, 1)}}
	audio := &fakeTrack{ssrc: 200, packets: []*rtp.Packet{pkt(200, 1)}}
	s := New(video, audio, health.New(nil), nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	gotVideo := drain(s.VideoOut, 1, time.Second)
	gotAudio := drain(s.AudioOut, 1, time.Second)
	require.Len(t, gotVideo, 1)
	require.Len(t, gotAudio, 1)
	assert.Equal(t, media.Video, gotVideo[0].Kind)
	assert.Equal(t, media.Audio, gotAudio[0].Kind)
}
