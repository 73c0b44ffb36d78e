package pool

import "testing"

// BenchmarkHeaderScratchWithPool benchmarks codec header scratch with pooling.
func BenchmarkHeaderScratchWithPool(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := Headers.GetN(5)
		(*s)[0] = 0x01
		Headers.Put(s)
	}
}

// BenchmarkHeaderScratchWithoutPool benchmarks the same path allocating.
func BenchmarkHeaderScratchWithoutPool(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s := make([]byte, 5)
		s[0] = 0x01
		_ = s
	}
}
