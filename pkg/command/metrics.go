package command

import (
	"sync"
	"sync/atomic"
	"time"
)

// metricsAlpha smooths append-rate and verify-latency readings.
const metricsAlpha = 0.2

// Metrics aggregates command log counters. Counters are monotonic; EWMA
// gauges smooth per-frame readings.
type Metrics struct {
	totalAppended      atomic.Uint64
	replayRejections   atomic.Uint64
	rateLimitDrops     atomic.Uint64
	payloadGuardDrops  atomic.Uint64
	signatureFailures  atomic.Uint64
	permissionDenials  atomic.Uint64
	duplicateDrops     atomic.Uint64
	serializationDrops atomic.Uint64

	mu                 sync.Mutex
	conflictsByKind    map[ConflictStrategy]uint64
	appendRatePerSec   float64
	lastRateAppended   uint64
	verifyLatencyMs    float64
	verifyLatencySeen  bool
	appendRateSeen     bool
	queueDepth         int
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{conflictsByKind: make(map[ConflictStrategy]uint64)}
}

func (m *Metrics) recordConflict(strategy ConflictStrategy) {
	m.mu.Lock()
	m.conflictsByKind[strategy]++
	m.mu.Unlock()
}

func (m *Metrics) recordVerifyLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	if !m.verifyLatencySeen {
		m.verifyLatencyMs = ms
		m.verifyLatencySeen = true
	} else {
		m.verifyLatencyMs = m.verifyLatencyMs*(1-metricsAlpha) + ms*metricsAlpha
	}
	m.mu.Unlock()
}

// SetQueueDepth records the current outbound queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.mu.Lock()
	m.queueDepth = depth
	m.mu.Unlock()
}

// Tick folds the elapsed frame interval into the append-rate EWMA. Called
// once per frame by the engine when it publishes telemetry.
func (m *Metrics) Tick(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	total := m.totalAppended.Load()
	m.mu.Lock()
	appended := total - m.lastRateAppended
	m.lastRateAppended = total
	rate := float64(appended) / elapsed.Seconds()
	if !m.appendRateSeen {
		m.appendRatePerSec = rate
		m.appendRateSeen = true
	} else {
		m.appendRatePerSec = m.appendRatePerSec*(1-metricsAlpha) + rate*metricsAlpha
	}
	m.mu.Unlock()
}

// MetricsSnapshot is an immutable copy of the command metrics.
type MetricsSnapshot struct {
	TotalAppended            uint64
	AppendRatePerSec         float64
	ConflictRejections       map[ConflictStrategy]uint64
	QueueDepth               int
	SignatureVerifyLatencyMs float64
	ReplayRejections         uint64
	RateLimitDrops           uint64
	PayloadGuardDrops        uint64
	SignatureFailures        uint64
	PermissionDenials        uint64
	DuplicateDrops           uint64
	SerializationDrops       uint64
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	conflicts := make(map[ConflictStrategy]uint64, len(m.conflictsByKind))
	for k, v := range m.conflictsByKind {
		conflicts[k] = v
	}
	snap := MetricsSnapshot{
		AppendRatePerSec:         m.appendRatePerSec,
		ConflictRejections:       conflicts,
		QueueDepth:               m.queueDepth,
		SignatureVerifyLatencyMs: m.verifyLatencyMs,
	}
	m.mu.Unlock()

	snap.TotalAppended = m.totalAppended.Load()
	snap.ReplayRejections = m.replayRejections.Load()
	snap.RateLimitDrops = m.rateLimitDrops.Load()
	snap.PayloadGuardDrops = m.payloadGuardDrops.Load()
	snap.SignatureFailures = m.signatureFailures.Load()
	snap.PermissionDenials = m.permissionDenials.Load()
	snap.DuplicateDrops = m.duplicateDrops.Load()
	snap.SerializationDrops = m.serializationDrops.Load()
	return snap
}
