package bundle

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/webrtcpeer"
)

func sampleBundle() webrtcpeer.Bundle {
	return webrtcpeer.Bundle{
		SDP: webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
		},
		ICECandidates: []webrtc.ICECandidateInit{
			{Candidate: "candidate:1 1 udp 2130706431 192.168.1.5 54400 typ host"},
		},
	}
}

// TestPackUnpackRoundTrip covers spec.md §8 Testable Property 2: Unpack
// must be the exact inverse of Pack for any valid bundle.
func TestPackUnpackRoundTrip(t *testing.T) {
	want := sampleBundle()

	text, err := Pack(want)
	require.NoError(t, err)

	got, err := Unpack(text)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnpackRejectsCorruptedPaste(t *testing.T) {
	text, err := Pack(sampleBundle())
	require.NoError(t, err)

	corrupted := strings.Replace(text, text[len(text)/2:len(text)/2+1], "Z", 1)
	if corrupted == text {
		corrupted = "A" + text[1:]
	}

	_, err = Unpack(corrupted)
	assert.Error(t, err)
}

func TestUnpackRejectsGarbageInput(t *testing.T) {
	_, err := Unpack("not valid base64!!")
	assert.Error(t, err)
}

func TestUnpackRejectsTruncatedInput(t *testing.T) {
	_, err := Unpack("QQ==") // base64("A"), 1 byte, shorter than the crc16 prefix
	assert.Error(t, err)
}
