//go:build unix

package poolalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapProvider allocates pools as anonymous private memory mappings that live
// outside the Go heap, so pool memory is never scanned by the garbage collector.
type MmapProvider struct{}

func (MmapProvider) Alloc(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d bytes via mmap: %w", size, err)
	}
	return data, nil
}

// Free unmaps a block returned by Alloc.
func (MmapProvider) Free(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("cannot unmap %d bytes: %w", len(b), err)
	}
	return nil
}

// DefaultProvider returns the provider used when a Config has none.
func DefaultProvider() MemoryProvider {
	return MmapProvider{}
}
