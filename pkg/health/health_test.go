package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordDropTracksReason(t *testing.T) {
	m := New(nil)
	m.RecordDrop(DropSlowSource)
	m.RecordDrop(DropSlowSource)
	m.RecordDrop(DropBackpressure)

	assert.Equal(t, uint64(2), m.DropCount(DropSlowSource))
	assert.Equal(t, uint64(1), m.DropCount(DropBackpressure))
	assert.Equal(t, uint64(3), m.FramesDropped.Load())
}

func TestUpdateEWMASeedsFromFirstSample(t *testing.T) {
	m := New(nil)
	m.RecordEncodeLatency(1000)
	assert.Equal(t, uint64(1000), m.encodeLatencyEWMA.Load())

	m.RecordEncodeLatency(2000)
	got := m.encodeLatencyEWMA.Load()
	assert.Greater(t, got, uint64(1000))
	assert.Less(t, got, uint64(2000))
}

func TestSetCurrentFPSRoundTrips(t *testing.T) {
	m := New(nil)
	m.SetCurrentFPS(29.97)
	tick := m.Snapshot(context.Background())
	assert.InDelta(t, 29.97, tick.CurrentFPS, 0.01)
}
