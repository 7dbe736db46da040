package framepool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReusesReleasedBuffer(t *testing.T) {
	p := New(1, 64, nil)
	buf1, release1 := p.Acquire()
	require.Len(t, buf1, 64)
	release1()

	buf2, _ := p.Acquire()
	assert.Equal(t, Stats{Free: 0, Allocated: 1, Capacity: 2}, p.Stats())
	_ = buf2
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(1, 16, nil)
	_, release := p.Acquire()
	release()
	release()
	assert.Equal(t, 1, p.Stats().Free)
}

func TestPoolRejectsReturnsBeyondCap(t *testing.T) {
	p := New(1, 16, nil)
	var releases []func()
	for i := 0; i < 5; i++ {
		_, release := p.Acquire()
		releases = append(releases, release)
	}
	for _, r := range releases {
		r()
	}
	assert.LessOrEqual(t, p.Stats().Free, p.Stats().Capacity)
	assert.Equal(t, 2, p.Stats().Capacity)
}

func TestAcquireGrowsBeyondInitialWhenExhausted(t *testing.T) {
	p := New(1, 8, nil)
	_, r1 := p.Acquire()
	buf2, r2 := p.Acquire()
	assert.Len(t, buf2, 8)
	assert.Equal(t, 2, p.Stats().Allocated)
	r1()
	r2()
}
