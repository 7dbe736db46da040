package audiocodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownmixStereoToMonoAverages(t *testing.T) {
	stereo := []float32{1.0, 0.0, 0.5, 0.5}
	mono := downmixStereoToMono(stereo)
	assert.Equal(t, []float32{0.5, 0.5}, mono)
}

func TestUpmixMonoToStereoDuplicates(t *testing.T) {
	mono := []float32{0.25, -0.25}
	stereo := upmixMonoToStereo(mono)
	assert.Equal(t, []float32{0.25, 0.25, -0.25, -0.25}, stereo)
}

func TestUpmixDownmixRoundTripPreservesAverage(t *testing.T) {
	mono := []float32{0.1, 0.2, 0.3}
	stereo := upmixMonoToStereo(mono)
	back := downmixStereoToMono(stereo)
	for i := range mono {
		assert.InDelta(t, mono[i], back[i], 1e-6)
	}
}
