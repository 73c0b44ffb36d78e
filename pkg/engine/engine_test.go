package engine

import (
	"errors"
	"testing"
)

// Test components
type Position struct {
	X, Y, Z float32
}

type Velocity struct {
	DX, DY, DZ float32
}

type Tag struct {
	Name string
}

func TestWorld_Spawn(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"single entity", 1},
		{"multiple entities", 5},
		{"many entities", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorld()
			seen := make(map[Handle]bool)
			for i := 0; i < tt.n; i++ {
				h := w.Spawn()
				if seen[h] {
					t.Errorf("duplicate handle %+v", h)
				}
				seen[h] = true
				if !w.Alive(h) {
					t.Errorf("handle %+v not alive after spawn", h)
				}
			}
		})
	}
}

func TestWorld_InsertAndGet(t *testing.T) {
	tests := []struct {
		name      string
		component Component
	}{
		{"Position", Position{X: 1, Y: 2, Z: 3}},
		{"Velocity", Velocity{DX: 0.5}},
		{"Tag", Tag{Name: "player"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorld()
			h := w.Spawn()
			if err := w.InsertComponent(h, tt.component); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			switch want := tt.component.(type) {
			case Position:
				got, ok := Get[Position](w, h)
				if !ok || got != want {
					t.Errorf("got %+v ok=%v, want %+v", got, ok, want)
				}
			case Velocity:
				got, ok := Get[Velocity](w, h)
				if !ok || got != want {
					t.Errorf("got %+v ok=%v, want %+v", got, ok, want)
				}
			case Tag:
				got, ok := Get[Tag](w, h)
				if !ok || got != want {
					t.Errorf("got %+v ok=%v, want %+v", got, ok, want)
				}
			}
		})
	}
}

func TestWorld_InsertReplaces(t *testing.T) {
	w := NewWorld()
	h := w.Spawn()

	if err := Insert(w, h, Position{X: 1}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := Insert(w, h, Position{X: 2}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	got, ok := Get[Position](w, h)
	if !ok {
		t.Fatal("component missing after replace")
	}
	if got.X != 2 {
		t.Errorf("got X=%v, want 2", got.X)
	}
	if n := len(Entries[Position](w)); n != 1 {
		t.Errorf("entry count = %d, want 1", n)
	}
}

func TestWorld_StaleHandle(t *testing.T) {
	w := NewWorld()
	h := w.Spawn()
	if err := w.Despawn(h); err != nil {
		t.Fatalf("despawn: %v", err)
	}

	// Reuse the index; the stale handle must not resolve.
	h2 := w.Spawn()
	if h2.Index != h.Index {
		t.Fatalf("expected index reuse, got %d want %d", h2.Index, h.Index)
	}
	if h2.Generation == h.Generation {
		t.Fatal("generation not bumped on reuse")
	}

	if w.Alive(h) {
		t.Error("stale handle reports alive")
	}
	if err := Insert(w, h, Position{}); !errors.Is(err, ErrNoSuchEntity) {
		t.Errorf("insert on stale handle: got %v, want ErrNoSuchEntity", err)
	}
	if _, ok := Get[Position](w, h); ok {
		t.Error("get on stale handle succeeded")
	}
	if err := w.Despawn(h); !errors.Is(err, ErrNoSuchEntity) {
		t.Errorf("double despawn: got %v, want ErrNoSuchEntity", err)
	}
}

func TestWorld_DespawnRemovesComponents(t *testing.T) {
	w := NewWorld()
	h := w.Spawn()
	keep := w.Spawn()

	if err := Insert(w, h, Position{X: 1}); err != nil {
		t.Fatal(err)
	}
	if err := Insert(w, keep, Position{X: 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.Despawn(h); err != nil {
		t.Fatal(err)
	}

	entries := Entries[Position](w)
	if len(entries) != 1 {
		t.Fatalf("entry count = %d, want 1", len(entries))
	}
	if entries[0].Handle != keep {
		t.Errorf("surviving entry = %+v, want %+v", entries[0].Handle, keep)
	}
}

func TestWorld_EntriesOrder(t *testing.T) {
	w := NewWorld()
	var handles []Handle
	for i := 0; i < 10; i++ {
		h := w.Spawn()
		handles = append(handles, h)
		if err := Insert(w, h, Position{X: float32(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Updating an existing component must not reorder entries.
	if err := Insert(w, handles[3], Position{X: 99}); err != nil {
		t.Fatal(err)
	}

	entries := Entries[Position](w)
	if len(entries) != len(handles) {
		t.Fatalf("entry count = %d, want %d", len(entries), len(handles))
	}
	for i, e := range entries {
		if e.Handle != handles[i] {
			t.Errorf("entry %d = %+v, want %+v", i, e.Handle, handles[i])
		}
	}
}

func TestWorld_Remove(t *testing.T) {
	w := NewWorld()
	h := w.Spawn()
	if err := Insert(w, h, Position{X: 1}); err != nil {
		t.Fatal(err)
	}
	if err := Remove[Position](w, h); err != nil {
		t.Fatal(err)
	}
	if _, ok := Get[Position](w, h); ok {
		t.Error("component present after remove")
	}
	// Removing an absent component is a no-op.
	if err := Remove[Velocity](w, h); err != nil {
		t.Errorf("remove absent component: %v", err)
	}
}
