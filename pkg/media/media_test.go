package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRawVideoFrameReleaseIsIdempotent(t *testing.T) {
	calls := 0
	f := &RawVideoFrame{}
	f.SetRelease(func() { calls++ })

	f.Release()
	f.Release()

	assert.Equal(t, 1, calls)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "video", Video.String())
	assert.Equal(t, "audio", Audio.String())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "failed", Failed.String())
}
