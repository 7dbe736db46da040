// Package health implements HealthMonitor: lock-free atomic counters that
// a producer can update without ever blocking, plus a periodic tick that
// folds in host resource gauges.
//
// Grounded on the teacher's atomic.Uint64 counters in
// pkg/relay/relay.go (videoPacketCount, videoFrameCount, ...) and
// pkg/bridge/pacer.go's PacerStats/logStats, generalized into spec.md
// §3's HealthMetrics shape.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DropReason names why a frame was dropped, for HealthTick diagnostics
// and the global invariant in spec.md §3 (every frame is forwarded,
// dropped-with-reason, or terminated by shutdown).
type DropReason string

const (
	DropSlowSource     DropReason = "slow_source"
	DropBackpressure   DropReason = "backpressure"
	DropLatePacket     DropReason = "late_packet"
	DropDuplicate      DropReason = "duplicate"
	DropSyncLate       DropReason = "sync_late"
	DropDecoderCorrupt DropReason = "decoder_corruption"
	DropShutdown       DropReason = "shutdown"
	DropUnknownSSRC    DropReason = "unknown_ssrc"
	DropPacketLoss     DropReason = "packet_loss"
)

// Monitor holds the atomic counters described in spec.md §3. Every field
// is safe for concurrent use from any number of producers without
// blocking any of them.
type Monitor struct {
	FramesIn             atomic.Uint64
	FramesOut            atomic.Uint64
	FramesDropped        atomic.Uint64
	BytesSent            atomic.Uint64
	BytesRecv            atomic.Uint64
	KeyframesRequested   atomic.Uint64
	currentFPS           atomic.Uint64 // fps * 1000, as an integer
	encodeLatencyEWMA    atomic.Uint64 // microseconds
	endToEndLatencyEWMA  atomic.Uint64 // microseconds

	dropsByReason sync.Map // DropReason -> *atomic.Uint64

	logger *slog.Logger
}

// New creates a Monitor. logger may be nil.
func New(logger *slog.Logger) *Monitor {
	return &Monitor{logger: logger}
}

// RecordDrop increments the total drop counter and the per-reason counter.
func (m *Monitor) RecordDrop(reason DropReason) {
	m.FramesDropped.Add(1)
	v, _ := m.dropsByReason.LoadOrStore(reason, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// DropCount returns how many frames have been dropped for a given reason.
func (m *Monitor) DropCount(reason DropReason) uint64 {
	v, ok := m.dropsByReason.Load(reason)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// UpdateEWMA folds a new latency sample (microseconds) into an
// exponentially-weighted moving average with smoothing factor alpha.
func UpdateEWMA(cell *atomic.Uint64, sampleUs int64, alpha float64) {
	for {
		old := cell.Load()
		var next uint64
		if old == 0 {
			next = uint64(sampleUs)
		} else {
			next = uint64(alpha*float64(sampleUs) + (1-alpha)*float64(old))
		}
		if cell.CompareAndSwap(old, next) {
			return
		}
	}
}

// RecordEncodeLatency folds an encode-stage latency sample into its EWMA.
func (m *Monitor) RecordEncodeLatency(us int64) {
	UpdateEWMA(&m.encodeLatencyEWMA, us, 0.2)
}

// RecordEndToEndLatency folds a capture-to-display latency sample into its EWMA.
func (m *Monitor) RecordEndToEndLatency(us int64) {
	UpdateEWMA(&m.endToEndLatencyEWMA, us, 0.2)
}

// SetCurrentFPS stores the most recently measured instantaneous fps.
func (m *Monitor) SetCurrentFPS(fps float64) {
	m.currentFPS.Store(uint64(fps * 1000))
}

// Tick is the HealthMetrics snapshot published on each HealthTick event.
type Tick struct {
	FramesIn            uint64
	FramesOut           uint64
	FramesDropped       uint64
	BytesSent           uint64
	BytesRecv           uint64
	CurrentFPS          float64
	KeyframesRequested  uint64
	EncodeLatencyUs     uint64
	EndToEndLatencyUs   uint64
	HostCPUPercent      float64
	HostMemUsedPercent  float64
}

// Snapshot reads the current counters plus host gauges (gopsutil) into a
// Tick. Host gauge collection can itself block briefly on /proc reads; it
// is never called from a producer's hot path, only from a periodic
// reporting loop (see Run).
func (m *Monitor) Snapshot(ctx context.Context) Tick {
	t := Tick{
		FramesIn:           m.FramesIn.Load(),
		FramesOut:          m.FramesOut.Load(),
		FramesDropped:      m.FramesDropped.Load(),
		BytesSent:          m.BytesSent.Load(),
		BytesRecv:          m.BytesRecv.Load(),
		CurrentFPS:         float64(m.currentFPS.Load()) / 1000,
		KeyframesRequested: m.KeyframesRequested.Load(),
		EncodeLatencyUs:    m.encodeLatencyEWMA.Load(),
		EndToEndLatencyUs:  m.endToEndLatencyEWMA.Load(),
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		t.HostCPUPercent = pcts[0]
	} else if err != nil && m.logger != nil {
		m.logger.Debug("cpu.Percent failed", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		t.HostMemUsedPercent = vm.UsedPercent
	} else if m.logger != nil {
		m.logger.Debug("mem.VirtualMemory failed", "error", err)
	}

	return t
}

// Run periodically logs a Tick and invokes onTick (typically the
// coordinator's event-bus publisher) until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onTick func(Tick)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick := m.Snapshot(ctx)
			if m.logger != nil {
				m.logger.Debug("health tick",
					"frames_in", tick.FramesIn,
					"frames_out", tick.FramesOut,
					"frames_dropped", tick.FramesDropped,
					"fps", tick.CurrentFPS,
					"encode_latency_us", tick.EncodeLatencyUs,
					"e2e_latency_us", tick.EndToEndLatencyUs,
					"host_cpu_pct", tick.HostCPUPercent,
					"host_mem_pct", tick.HostMemUsedPercent)
			}
			if onTick != nil {
				onTick(tick)
			}
		}
	}
}
