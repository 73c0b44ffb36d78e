package replication

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/engine"
)

// ComponentDescriptor advertises a component key to a peer. A descriptor is
// emitted exactly once per session, before the key's first payload.
type ComponentDescriptor struct {
	Key  ComponentKey `json:"key"`
	Name string       `json:"name"`
}

// DeltaPayload names one changed component instance. Payload is nil for
// removals.
type DeltaPayload struct {
	Key     ComponentKey  `json:"key"`
	Entity  engine.Handle `json:"entity"`
	Payload []byte        `json:"payload,omitempty"`
}

// DeltaFrame is the result of one tracker diff: first-use descriptors plus
// insertions, updates, and removals.
type DeltaFrame struct {
	Descriptors []ComponentDescriptor `json:"descriptors,omitempty"`
	Inserts     []DeltaPayload        `json:"inserts,omitempty"`
	Updates     []DeltaPayload        `json:"updates,omitempty"`
	Removals    []DeltaPayload        `json:"removals,omitempty"`
}

// Empty reports whether the frame carries no changes and no descriptors.
func (f *DeltaFrame) Empty() bool {
	return len(f.Descriptors) == 0 && len(f.Inserts) == 0 && len(f.Updates) == 0 && len(f.Removals) == 0
}

type deltaKey struct {
	key    ComponentKey
	entity engine.Handle
}

// DeltaTracker diffs successive world states by byte equality against its
// previous serialization. One tracker serves one replication session.
type DeltaTracker struct {
	registry   *Registry
	prev       map[deltaKey][]byte
	prevOrder  []deltaKey
	advertised map[ComponentKey]bool
}

// NewDeltaTracker creates a tracker with no prior state; the first diff
// reports every component as an insert.
func NewDeltaTracker(registry *Registry) *DeltaTracker {
	return &DeltaTracker{
		registry:   registry,
		prev:       make(map[deltaKey][]byte),
		advertised: make(map[ComponentKey]bool),
	}
}

// Diff computes the delta between the tracker's previous state and the
// world's current state, then replaces the previous state. Emission order is
// registry order, then per-type world iteration order; inserts and updates
// interleave by enumeration, removals follow. A serialization failure skips
// only the offending component type and leaves its previous entries intact
// so it is retried next frame.
func (t *DeltaTracker) Diff(w *engine.World) (*DeltaFrame, error) {
	frame := &DeltaFrame{}
	curr := make(map[deltaKey][]byte, len(t.prev))
	var currOrder []deltaKey
	failed := make(map[ComponentKey]bool)

	advertise := func(e entry) {
		if !t.advertised[e.key] {
			t.advertised[e.key] = true
			frame.Descriptors = append(frame.Descriptors, ComponentDescriptor{Key: e.key, Name: e.name})
		}
	}

	for _, e := range t.registry.entries {
		dumped, err := e.dump(w)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "delta_tracker",
				"component":   e.name,
			}).WithError(err).Warn("component dump failed, retrying next frame")
			failed[e.key] = true
			continue
		}
		for _, d := range dumped {
			k := deltaKey{key: e.key, entity: d.Entity}
			curr[k] = d.Payload
			currOrder = append(currOrder, k)

			old, existed := t.prev[k]
			switch {
			case !existed:
				advertise(e)
				frame.Inserts = append(frame.Inserts, DeltaPayload{Key: e.key, Entity: d.Entity, Payload: d.Payload})
			case !bytes.Equal(old, d.Payload):
				advertise(e)
				frame.Updates = append(frame.Updates, DeltaPayload{Key: e.key, Entity: d.Entity, Payload: d.Payload})
			}
		}
	}

	// Removals: previous entries absent from the current state, in previous
	// emission order. Entries of a type whose dump failed are retained.
	for _, k := range t.prevOrder {
		if _, present := curr[k]; present {
			continue
		}
		if failed[k.key] {
			curr[k] = t.prev[k]
			currOrder = append(currOrder, k)
			continue
		}
		if t.advertised[k.key] {
			frame.Removals = append(frame.Removals, DeltaPayload{Key: k.key, Entity: k.entity})
		}
	}

	t.prev = curr
	t.prevOrder = currOrder
	return frame, nil
}

// Reset forgets all previous state and descriptor advertisements, as when a
// replication session restarts.
func (t *DeltaTracker) Reset() {
	t.prev = make(map[deltaKey][]byte)
	t.prevOrder = nil
	t.advertised = make(map[ComponentKey]bool)
}
