package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowMonotonic(t *testing.T) {
	c := New()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	assert.GreaterOrEqual(t, b, a)
	assert.Equal(t, int64(0), a)
}

func TestToWallRoundTrip(t *testing.T) {
	c := New()
	start := time.Now()
	pts := c.At(start)
	assert.Equal(t, int64(0), pts)
	assert.WithinDuration(t, start, c.ToWall(pts), time.Microsecond)
}

func TestDeadlineAdvancesByFramePeriod(t *testing.T) {
	start := time.Now()
	d0 := Deadline(start, 0, 30)
	d1 := Deadline(start, 1, 30)
	assert.Equal(t, start, d0)
	assert.WithinDuration(t, start.Add(time.Second/30), d1, time.Microsecond)
}
