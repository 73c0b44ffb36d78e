// Package telemetry aggregates scheduler, transport, command, and voice
// readouts into immutable per-frame snapshots.
package telemetry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/command"
	"github.com/jvastola/theta/pkg/engine"
	"github.com/jvastola/theta/pkg/transport"
	"github.com/jvastola/theta/pkg/voice"
)

// DefaultRingDepth bounds the retained snapshot history.
const DefaultRingDepth = 300

// FrameSnapshot is the per-frame telemetry readout. Snapshots are immutable
// copies; counters within are monotonic.
type FrameSnapshot struct {
	Frame                 uint64
	Profile               engine.FrameProfile
	Transport             transport.Diagnostics
	Commands              command.MetricsSnapshot
	Voice                 voice.Diagnostics
	SignalingEventsPolled uint64
	QueueDepth            int
	Backpressured         bool
}

// Collector keeps a bounded, append-only ring of frame snapshots.
type Collector struct {
	mu    sync.RWMutex
	ring  []FrameSnapshot
	depth int

	lastTick     time.Time
	warnedDepth  bool
	totalPublish uint64
}

// NewCollector creates a collector. depth below 1 falls back to
// DefaultRingDepth.
func NewCollector(depth int) *Collector {
	if depth < 1 {
		depth = DefaultRingDepth
	}
	return &Collector{depth: depth}
}

// Elapsed returns the wall time since the previous Elapsed call, for folding
// into rate gauges. The first call returns zero.
func (c *Collector) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.lastTick.IsZero() {
		c.lastTick = now
		return 0
	}
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	return elapsed
}

// Publish appends one snapshot, trimming the ring to its bound. A sustained
// backpressure condition logs once per onset.
func (c *Collector) Publish(snap FrameSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring = append(c.ring, snap)
	if len(c.ring) > c.depth {
		c.ring = c.ring[len(c.ring)-c.depth:]
	}
	c.totalPublish++

	if snap.Backpressured && !c.warnedDepth {
		c.warnedDepth = true
		logrus.WithFields(logrus.Fields{
			"system_name": "telemetry",
			"queue_depth": snap.QueueDepth,
		}).Warn("transport queue backpressure sustained")
	} else if !snap.Backpressured {
		c.warnedDepth = false
	}
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest() (FrameSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ring) == 0 {
		return FrameSnapshot{}, false
	}
	return c.ring[len(c.ring)-1], true
}

// History copies the retained ring, oldest first.
func (c *Collector) History() []FrameSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FrameSnapshot, len(c.ring))
	copy(out, c.ring)
	return out
}

// Published returns the monotonic publish count.
func (c *Collector) Published() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalPublish
}
