package poolalloc

import "fmt"

// MemoryProvider supplies the memory blocks backing allocator pools.
//
// Alloc must return at least size bytes aligned to a machine word, or an error.
// Free receives the exact slice returned by Alloc.
type MemoryProvider interface {
	Alloc(size int) ([]byte, error)
	Free(b []byte) error
}

// HeapProvider allocates pools on the Go heap.
// Free is a no-op; released pools are reclaimed by the garbage collector
// once no chunk of them is referenced.
type HeapProvider struct{}

// Alloc returns an error instead of panicking when the runtime rejects size.
func (HeapProvider) Alloc(size int) (b []byte, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid heap allocation size %d", size)
	}
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("cannot allocate %d bytes on the heap: %v", size, r)
		}
	}()
	return make([]byte, size), nil
}

func (HeapProvider) Free(b []byte) error {
	return nil
}
