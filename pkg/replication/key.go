// Package replication enumerates replicable component types and turns world
// state into chunked snapshots and per-frame deltas.
package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"

	"github.com/dchest/siphash"
)

// Fixed SipHash-2-4 seed. Identical type names must map to identical keys
// across processes, platforms, and builds, so this never changes.
const (
	keySeed0 uint64 = 0x7468657461656e67 // "thetaeng"
	keySeed1 uint64 = 0x696e652d636f7265 // "ine-core"
)

// ComponentKey is the 64-bit stable identifier of a component type.
type ComponentKey uint64

// String renders the key as fixed-width hex, the form used in the manifest.
func (k ComponentKey) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// CanonicalName returns the stable textual identifier of a component type:
// its fully qualified Go type name.
func CanonicalName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// KeyFor derives the component key for a canonical type name.
func KeyFor(name string) ComponentKey {
	return ComponentKey(siphash.Hash(keySeed0, keySeed1, []byte(name)))
}

// Manifest is the sorted mapping of canonical type name to component key for
// every registered replicable component.
type Manifest struct {
	entries map[string]ComponentKey
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{entries: make(map[string]ComponentKey)}
}

// Add records a type name. Adding the same name twice is idempotent.
func (m *Manifest) Add(name string) ComponentKey {
	if k, ok := m.entries[name]; ok {
		return k
	}
	k := KeyFor(name)
	m.entries[name] = k
	return k
}

// Names returns the registered type names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanonicalBytes renders the manifest as sorted JSON. Regenerating the bytes
// for an unchanged registered set yields byte-identical output.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	ordered := make(map[string]string, len(m.entries))
	for name, key := range m.entries {
		ordered[name] = key.String()
	}
	// encoding/json sorts map keys, which is exactly the canonical form.
	return json.MarshalIndent(ordered, "", "  ")
}

// SchemaHash is the SipHash-2-4 of the manifest's canonical bytes. Peers with
// equal schema hashes have identical replicable component vocabularies.
func (m *Manifest) SchemaHash() (uint64, error) {
	data, err := m.CanonicalBytes()
	if err != nil {
		return 0, err
	}
	return siphash.Hash(keySeed0, keySeed1, data), nil
}

// WriteFile writes component_manifest.json at the given path.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
