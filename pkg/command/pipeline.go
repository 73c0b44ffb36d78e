package command

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/transport"
)

// Pipeline wraps the log with session-aware batching: local commands are
// appended to the log and captured for the next drain.
type Pipeline struct {
	log      *Log
	pending  []*Entry
	sequence uint64
}

// NewPipeline creates a pipeline over the given log.
func NewPipeline(log *Log) *Pipeline {
	return &Pipeline{log: log}
}

// Append ingests one local command. Accepted entries are queued for the next
// drain; rejections propagate unchanged from the log.
func (p *Pipeline) Append(payload []byte, scope Scope, requiredRole Role, strategy ConflictStrategy) (ID, error) {
	id, err := p.log.AppendLocal(payload, scope, requiredRole, strategy)
	if err != nil {
		return ID{}, err
	}
	p.pending = append(p.pending, p.log.entries[id])
	return id, nil
}

// Pending returns the number of entries awaiting drain.
func (p *Pipeline) Pending() int { return len(p.pending) }

// Sequence returns the last drained batch sequence.
func (p *Pipeline) Sequence() uint64 { return p.sequence }

// Drain captures the entries appended since the last drain as one batch in
// id order. Returns nil when nothing is pending.
func (p *Pipeline) Drain() *Batch {
	if len(p.pending) == 0 {
		return nil
	}
	entries := p.pending
	p.pending = nil
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.Less(entries[j].ID) })
	p.sequence++
	return &Batch{Sequence: p.sequence, Entries: entries}
}

// DrainPackets drains the pipeline and serializes the result into command
// frames ready for the outbox.
func (p *Pipeline) DrainPackets() []transport.Frame {
	b := p.Drain()
	if b == nil {
		return nil
	}
	data, err := b.Encode()
	if err != nil {
		p.log.metrics.serializationDrops.Add(1)
		logrus.WithFields(logrus.Fields{
			"system_name": "command_pipeline",
			"sequence":    b.Sequence,
		}).WithError(err).Warn("batch serialization failed, dropping batch")
		return nil
	}
	return []transport.Frame{{Kind: transport.KindCommand, Payload: data}}
}
