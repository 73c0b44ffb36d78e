package replication

import (
	"github.com/sirupsen/logrus"

	"github.com/jvastola/theta/pkg/engine"
)

// DefaultMaxChunkBytes bounds the payload bytes packed into one snapshot
// chunk unless a single component already exceeds it.
const DefaultMaxChunkBytes = 16 * 1024

// SnapshotComponent is one replicated component inside a snapshot chunk.
type SnapshotComponent struct {
	Key     ComponentKey  `json:"key"`
	Entity  engine.Handle `json:"entity"`
	Payload []byte        `json:"payload"`
}

// SnapshotChunk is a bounded, indexed segment of a world snapshot.
type SnapshotChunk struct {
	Index      uint32              `json:"index"`
	TotalCount uint32              `json:"total_count"`
	Components []SnapshotComponent `json:"components"`
}

// WorldSnapshot is the full replicable state of a world as an ordered chunk
// sequence. An empty world snapshots to zero chunks.
type WorldSnapshot struct {
	Chunks []SnapshotChunk `json:"chunks"`
}

// Components flattens the snapshot back into chunk order.
func (s *WorldSnapshot) Components() []SnapshotComponent {
	var out []SnapshotComponent
	for _, c := range s.Chunks {
		out = append(out, c.Components...)
	}
	return out
}

// SnapshotBuilder emits chunked world snapshots for a frozen registry.
type SnapshotBuilder struct {
	registry      *Registry
	maxChunkBytes int
}

// NewSnapshotBuilder creates a builder. maxChunkBytes below 1 falls back to
// DefaultMaxChunkBytes.
func NewSnapshotBuilder(registry *Registry, maxChunkBytes int) *SnapshotBuilder {
	if maxChunkBytes < 1 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &SnapshotBuilder{registry: registry, maxChunkBytes: maxChunkBytes}
}

// Build produces a snapshot of every registered component in the world.
// Types are enumerated in registration order, instances in world iteration
// order. Chunks are sealed when adding the next component would exceed the
// byte limit; a component larger than the limit occupies a chunk alone.
func (b *SnapshotBuilder) Build(w *engine.World) (*WorldSnapshot, error) {
	var chunks []SnapshotChunk
	var current []SnapshotComponent
	currentBytes := 0

	seal := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, SnapshotChunk{Components: current})
		current = nil
		currentBytes = 0
	}

	for _, e := range b.registry.entries {
		dumped, err := e.dump(w)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "snapshot_builder",
				"component":   e.name,
			}).WithError(err).Warn("component dump failed, skipping type")
			continue
		}
		for _, d := range dumped {
			size := len(d.Payload)
			if len(current) > 0 && currentBytes+size > b.maxChunkBytes {
				seal()
			}
			current = append(current, SnapshotComponent{Key: e.key, Entity: d.Entity, Payload: d.Payload})
			currentBytes += size
			if currentBytes > b.maxChunkBytes {
				// Oversized single component: seal it alone.
				seal()
			}
		}
	}
	seal()

	total := uint32(len(chunks))
	for i := range chunks {
		chunks[i].Index = uint32(i)
		chunks[i].TotalCount = total
	}

	return &WorldSnapshot{Chunks: chunks}, nil
}
