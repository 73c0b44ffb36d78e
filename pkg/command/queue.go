package command

import (
	"time"

	"github.com/jvastola/theta/pkg/transport"
)

// Queue stages serialized frames for transport transmission. The queue is
// unbounded but monitored; sustained depth is surfaced through telemetry.
type Queue struct {
	pending []transport.Frame

	// Backpressure watch: depth above the threshold must persist for the
	// full window before a warning is raised.
	warnDepth     int
	warnAfter     time.Duration
	overSince     time.Time
	overSustained bool
	now           func() time.Time
}

// Backpressure defaults.
const (
	DefaultQueueWarnDepth = 25
	DefaultQueueWarnAfter = 2 * time.Second
)

// NewQueue creates an empty transport queue.
func NewQueue() *Queue {
	return &Queue{
		warnDepth: DefaultQueueWarnDepth,
		warnAfter: DefaultQueueWarnAfter,
		now:       time.Now,
	}
}

// Enqueue stages frames for transmission.
func (q *Queue) Enqueue(frames ...transport.Frame) {
	q.pending = append(q.pending, frames...)
}

// Depth returns the number of staged frames.
func (q *Queue) Depth() int { return len(q.pending) }

// DrainPending yields every staged frame. On transmission failure the caller
// re-enqueues the unsent remainder with Requeue.
func (q *Queue) DrainPending() []transport.Frame {
	frames := q.pending
	q.pending = nil
	return frames
}

// Requeue returns unsent frames to the front of the queue, preserving their
// original order ahead of anything enqueued since.
func (q *Queue) Requeue(frames []transport.Frame) {
	if len(frames) == 0 {
		return
	}
	q.pending = append(append(make([]transport.Frame, 0, len(frames)+len(q.pending)), frames...), q.pending...)
}

// Backpressured reports whether queue depth has exceeded the warning
// threshold for the sustained window. Called once per frame.
func (q *Queue) Backpressured() bool {
	if len(q.pending) <= q.warnDepth {
		q.overSince = time.Time{}
		q.overSustained = false
		return false
	}
	if q.overSince.IsZero() {
		q.overSince = q.now()
		return false
	}
	if q.now().Sub(q.overSince) >= q.warnAfter {
		q.overSustained = true
	}
	return q.overSustained
}
