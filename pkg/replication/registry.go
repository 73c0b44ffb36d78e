package replication

import (
	"encoding/json"
	"reflect"

	"github.com/jvastola/theta/pkg/engine"
)

// DumpedComponent is one (entity, serialized bytes) pair extracted from a
// world by a registered dump function.
type DumpedComponent struct {
	Entity  engine.Handle
	Payload []byte
}

// DumpFunc extracts every instance of one component type from a world, in
// that type's deterministic iteration order. A nil error with a partial
// result is not allowed; failures are per-call.
type DumpFunc func(w *engine.World) ([]DumpedComponent, error)

// entry is one registered replicable component type.
type entry struct {
	name string
	key  ComponentKey
	typ  reflect.Type
	dump DumpFunc
}

// Registry maps registered component types to their keys and dump functions.
// The registry is append-only and frozen after engine setup; duplicate
// registrations are idempotent.
type Registry struct {
	entries  []entry
	byType   map[reflect.Type]int
	manifest *Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[reflect.Type]int),
		manifest: NewManifest(),
	}
}

// Register adds component type T to the registry. Components are serialized
// as JSON, which is deterministic for struct types. Registering the same
// type twice is a no-op returning the existing key.
func Register[T engine.Component](r *Registry) ComponentKey {
	var zero T
	t := reflect.TypeOf(zero)
	if i, ok := r.byType[t]; ok {
		return r.entries[i].key
	}
	name := CanonicalName(t)
	key := r.manifest.Add(name)
	r.byType[t] = len(r.entries)
	r.entries = append(r.entries, entry{
		name: name,
		key:  key,
		typ:  t,
		dump: func(w *engine.World) ([]DumpedComponent, error) {
			raw := w.EntriesRaw(t)
			out := make([]DumpedComponent, 0, len(raw))
			for _, e := range raw {
				payload, err := json.Marshal(e.Value)
				if err != nil {
					return nil, err
				}
				out = append(out, DumpedComponent{Entity: e.Handle, Payload: payload})
			}
			return out, nil
		},
	})
	return key
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Manifest returns the registry's component manifest.
func (r *Registry) Manifest() *Manifest {
	return r.manifest
}

// SchemaHash returns the handshake schema hash for the registered set.
func (r *Registry) SchemaHash() (uint64, error) {
	return r.manifest.SchemaHash()
}

// KeyOf returns the component key for a registered type name, if known.
func (r *Registry) KeyOf(name string) (ComponentKey, bool) {
	for _, e := range r.entries {
		if e.name == name {
			return e.key, true
		}
	}
	return 0, false
}
