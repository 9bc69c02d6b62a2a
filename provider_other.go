//go:build !unix

package poolalloc

import "errors"

var errMmapUnsupported = errors.New("mmap is not supported on this platform")

type MmapProvider struct{}

func (MmapProvider) Alloc(size int) ([]byte, error) {
	return nil, errMmapUnsupported
}

func (MmapProvider) Free(b []byte) error {
	return errMmapUnsupported
}

// DefaultProvider returns the provider used when a Config has none.
func DefaultProvider() MemoryProvider {
	return HeapProvider{}
}
