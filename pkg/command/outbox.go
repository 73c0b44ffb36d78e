package command

import (
	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/transport"
)

// Outbox is an ECS-resident component that accumulates drained command
// batches and serializes them into wire frames. Drain order is FIFO.
type Outbox struct {
	batches []*Batch

	TotalBatches uint64
	TotalEntries uint64
	TotalPackets uint64
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Ingest accumulates one drained batch.
func (o *Outbox) Ingest(b *Batch) {
	if b == nil || len(b.Entries) == 0 {
		return
	}
	o.batches = append(o.batches, b)
	o.TotalBatches++
	o.TotalEntries += uint64(len(b.Entries))
}

// Depth returns the number of batches awaiting serialization.
func (o *Outbox) Depth() int { return len(o.batches) }

// Serialize drains accumulated batches into command frames, FIFO. A batch
// that fails to serialize is dropped with a warning; later batches still
// flow.
func (o *Outbox) Serialize() []transport.Frame {
	if len(o.batches) == 0 {
		return nil
	}
	frames := make([]transport.Frame, 0, len(o.batches))
	for _, b := range o.batches {
		data, err := b.Encode()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "command_outbox",
				"sequence":    b.Sequence,
			}).WithError(err).Warn("batch serialization failed, dropping batch")
			continue
		}
		frames = append(frames, transport.Frame{Kind: transport.KindCommand, Payload: data})
		o.TotalPackets++
	}
	o.batches = nil
	return frames
}
