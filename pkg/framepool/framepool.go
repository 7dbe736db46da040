// Package framepool implements the fixed-capacity, pre-allocated frame
// buffer pool that keeps the capture/encode hot path allocation-free.
//
// Grounded on _examples/original_source/src/encoder/frame_pool.rs: the
// pool pre-allocates an initial set of buffers and caps how many it will
// accept back, so a leak downstream degrades into extra allocation
// pressure rather than unbounded growth.
package framepool

import (
	"log/slog"
	"sync"
)

// Pool hands out fixed-size []byte buffers sized for one NV12 frame at the
// configured resolution, and takes them back on Release.
type Pool struct {
	mu        sync.Mutex
	free      [][]byte
	bufSize   int
	maxBufs   int // 2 x initial pool size; excess Put calls are dropped
	allocated int
	logger    *slog.Logger
	warnedCap bool
}

// New creates a pool pre-allocated with `initial` buffers of bufSize bytes
// each. The pool will never hold more than 2*initial buffers; returns
// beyond that are dropped (and logged once) rather than grown into.
func New(initial, bufSize int, logger *slog.Logger) *Pool {
	p := &Pool{
		free:    make([][]byte, 0, initial),
		bufSize: bufSize,
		maxBufs: 2 * initial,
		logger:  logger,
	}
	for i := 0; i < initial; i++ {
		p.free = append(p.free, make([]byte, bufSize))
		p.allocated++
	}
	return p
}

// Acquire returns a buffer from the free list, allocating a fresh one if
// the pool is empty. The returned release func must be called exactly
// once the consumer is done with the buffer; callers typically wire it
// into media.RawVideoFrame.SetRelease via a defer so it fires on every
// exit path, including panics recovered upstream.
func (p *Pool) Acquire() (buf []byte, release func()) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.allocated++
		buf = make([]byte, p.bufSize)
	} else {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
	}

	var once sync.Once
	release = func() {
		once.Do(func() { p.put(buf) })
	}
	return buf, release
}

func (p *Pool) put(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) >= p.maxBufs {
		if !p.warnedCap && p.logger != nil {
			p.warnedCap = true
			p.logger.Warn("frame pool at capacity, dropping returned buffer",
				"max_bufs", p.maxBufs)
		}
		return
	}
	p.free = append(p.free, buf)
}

// Stats reports current pool occupancy for HealthMonitor/diagnostics.
type Stats struct {
	Free      int
	Allocated int
	Capacity  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Free: len(p.free), Allocated: p.allocated, Capacity: p.maxBufs}
}
