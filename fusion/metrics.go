package fusion

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// PerformanceMetrics is a snapshot of the tracker's health counters.
type PerformanceMetrics struct {
	// AverageFusionTimeMs is the EMA of per-cycle processing time.
	AverageFusionTimeMs float64
	// TrackingPercentage is the EMA of cycles spent in a tracking state,
	// 0-100. It decays smoothly on loss rather than dropping to zero, which
	// is the degradation signal callers key off.
	TrackingPercentage float64
	// RelocalizationCount is how many relocalizations have succeeded.
	RelocalizationCount int64
	// AverageInitTimeS is the mean time from first measurement to tracking.
	AverageInitTimeS float64
}

// metrics accumulates the tracker's EMAs under its own mutex, the third of
// the tracker's three disjoint locks.
type metrics struct {
	mu sync.Mutex

	avgFusionTimeMs float64
	trackingPct     float64
	initTimeTotalS  float64
	initCount       int

	relocalizations atomic.Int64

	trackingEMA float64
	timingEMA   float64
}

func newMetrics(trackingEMA, timingEMA float64) *metrics {
	return &metrics{trackingEMA: trackingEMA, timingEMA: timingEMA}
}

// recordCycle folds one processing-loop iteration into the timing and
// tracking EMAs, regardless of which state branch ran.
func (m *metrics) recordCycle(elapsed time.Duration, tracking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avgFusionTimeMs = m.timingEMA*m.avgFusionTimeMs + (1-m.timingEMA)*float64(elapsed)/float64(time.Millisecond)
	sample := 0.0
	if tracking {
		sample = 100.0
	}
	m.trackingPct = m.trackingEMA*m.trackingPct + (1-m.trackingEMA)*sample
}

// recordInit folds one completed initialization into the running mean.
func (m *metrics) recordInit(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initTimeTotalS += elapsed.Seconds()
	m.initCount++
}

func (m *metrics) recordRelocalization() {
	m.relocalizations.Inc()
}

func (m *metrics) snapshot() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := PerformanceMetrics{
		AverageFusionTimeMs: m.avgFusionTimeMs,
		TrackingPercentage:  m.trackingPct,
		RelocalizationCount: m.relocalizations.Load(),
	}
	if m.initCount > 0 {
		snap.AverageInitTimeS = m.initTimeTotalS / float64(m.initCount)
	}
	return snap
}
