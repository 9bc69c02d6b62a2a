package poolalloc

import (
	"math/rand"
	"testing"
)

// go clean -testcache && go test -bench=. -benchtime=5s -benchmem .

const benchChunkSize = 64

// BenchmarkAllocateDeallocate measures the steady state fast path,
// where every chunk is returned before the next one is requested.
func BenchmarkAllocateDeallocate(b *testing.B) {
	a, err := New(DefaultChunksPerPool)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		c, err := a.Allocate(benchChunkSize)
		if err != nil {
			b.Fatal(err)
		}
		a.Deallocate(c, benchChunkSize)
	}
}

// BenchmarkAllocateGrowth measures allocation including pool growth.
func BenchmarkAllocateGrowth(b *testing.B) {
	a, err := New(DefaultChunksPerPool)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ReportAllocs()
	for b.Loop() {
		if _, err := a.Allocate(benchChunkSize); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkChurn simulates a bounded live set with random frees,
// similar to per-frame small object churn.
func BenchmarkChurn(b *testing.B) {
	const live = 4096
	a, err := New(DefaultChunksPerPool)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	chunks := make([][]byte, live)
	for i := range chunks {
		if chunks[i], err = a.Allocate(benchChunkSize); err != nil {
			b.Fatal(err)
		}
	}
	rng := rand.New(rand.NewSource(1))

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		i := rng.Intn(live)
		a.Deallocate(chunks[i], benchChunkSize)
		if chunks[i], err = a.Allocate(benchChunkSize); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMakeBaseline is the Go heap equivalent of BenchmarkAllocateGrowth.
func BenchmarkMakeBaseline(b *testing.B) {
	var sink []byte
	b.ReportAllocs()
	for b.Loop() {
		sink = make([]byte, benchChunkSize)
	}
	_ = sink
}
