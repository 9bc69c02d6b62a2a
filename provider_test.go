package poolalloc

import (
	"errors"
	"strconv"
	"testing"

	"github.com/holmberd/go-poolalloc/internal/testutils"
)

func TestHeapProvider(t *testing.T) {
	var p HeapProvider
	b, err := p.Alloc(128)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if len(b) != 128 {
		t.Fatalf("expected 128 bytes, got %d", len(b))
	}
	if addrOf(b)%uintptr(chunkAlign) != 0 {
		t.Errorf("expected word aligned memory")
	}
	if err := p.Free(b); err != nil {
		t.Errorf("failed to free: %v", err)
	}
	if _, err := p.Alloc(0); err == nil {
		t.Error("expected an error for a zero sized allocation")
	}
}

func TestHeapProviderBackedAllocator(t *testing.T) {
	a, err := Custom(Config{ChunksPerPool: 8, Provider: HeapProvider{}})
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	defer a.Close()

	c := mustAllocate(t, a, 100)
	copy(c, "heap")
	a.Deallocate(c, 100)
	if s := a.Stats(); s.ChunkSize != 104 || s.FreeChunks != 8 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

// shortProvider returns blocks smaller than requested.
type shortProvider struct {
	testutils.MockProvider
}

func (p *shortProvider) Alloc(size int) ([]byte, error) {
	return p.MockProvider.Alloc(size - 1)
}

func TestAllocatorRejectsShortProviderBlocks(t *testing.T) {
	provider := &shortProvider{}
	a, err := Custom(Config{ChunksPerPool: 2, Provider: provider})
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(16); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if n := provider.LiveBlocks(); n != 0 {
		t.Errorf("expected the rejected block to be returned, %d live", n)
	}
	if s := a.Stats(); s.Pools != 0 {
		t.Errorf("expected no pools, got %d", s.Pools)
	}
}

func TestHeapProviderOversizedAllocation(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("requires 64-bit int")
	}
	shift := 50
	size := 1 << shift

	if _, err := (HeapProvider{}).Alloc(size); err == nil {
		t.Fatal("expected an error for an oversized heap allocation")
	}

	a, err := Custom(Config{ChunksPerPool: 1, Provider: HeapProvider{}})
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	defer a.Close()

	if _, err := a.Allocate(size); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if s := a.Stats(); s.Pools != 0 || s.ChunkSize != 0 {
		t.Errorf("expected no pools after a failed allocation, got %+v", s)
	}
	mustAllocate(t, a, 64)
}
