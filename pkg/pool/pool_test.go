package pool

import "testing"

func TestByteSlicePool_GetPut(t *testing.T) {
	p := NewByteSlicePool(32)

	s := p.Get()
	if len(*s) != 0 {
		t.Errorf("pooled slice length = %d, want 0", len(*s))
	}
	*s = append(*s, 1, 2, 3)
	p.Put(s)

	s2 := p.Get()
	if len(*s2) != 0 {
		t.Errorf("reused slice not reset: length = %d", len(*s2))
	}
}

func TestByteSlicePool_GetN(t *testing.T) {
	p := NewByteSlicePool(8)

	tests := []struct {
		name string
		n    int
	}{
		{"within capacity", 5},
		{"beyond capacity", 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := p.GetN(tt.n)
			if len(*s) != tt.n {
				t.Errorf("length = %d, want %d", len(*s), tt.n)
			}
			p.Put(s)
		})
	}
}

func TestByteSlicePool_OversizedNotRetained(t *testing.T) {
	p := NewByteSlicePool(8)
	big := make([]byte, maxPooledCap+1)
	p.Put(&big) // must not panic, must not retain
	s := p.Get()
	if cap(*s) > maxPooledCap {
		t.Error("oversized buffer retained")
	}
}
