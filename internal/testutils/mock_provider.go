package testutils

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var ErrMockOutOfMemory = errors.New("mock provider: out of memory")

// MockProvider is a heap backed memory provider that records its calls.
// It keeps the live blocks so tests can assert that every block handed out
// has been returned.
type MockProvider struct {
	allocCalls atomic.Int64
	freeCalls  atomic.Int64
	fail       atomic.Bool

	mu    sync.Mutex
	live  map[uintptr]int // Block address -> size.
	bytes int64
}

func (p *MockProvider) Alloc(size int) (b []byte, err error) {
	p.allocCalls.Add(1)
	if p.fail.Load() {
		return nil, ErrMockOutOfMemory
	}
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrMockOutOfMemory, r)
		}
	}()
	b = make([]byte, size)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		p.live = make(map[uintptr]int)
	}
	p.live[blockAddr(b)] = size
	p.bytes += int64(size)
	return b, nil
}

func (p *MockProvider) Free(b []byte) error {
	p.freeCalls.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.live[blockAddr(b)]
	if !ok {
		return fmt.Errorf("mock provider: free of unknown block %#x", blockAddr(b))
	}
	delete(p.live, blockAddr(b))
	p.bytes -= int64(size)
	return nil
}

// SetFail makes subsequent Alloc calls fail with ErrMockOutOfMemory.
func (p *MockProvider) SetFail(fail bool) {
	p.fail.Store(fail)
}

func (p *MockProvider) AllocCalls() int64 {
	return p.allocCalls.Load()
}

func (p *MockProvider) FreeCalls() int64 {
	return p.freeCalls.Load()
}

// AllocatedBytes returns the number of bytes handed out and not yet freed.
func (p *MockProvider) AllocatedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// LiveBlocks returns the number of blocks handed out and not yet freed.
func (p *MockProvider) LiveBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *MockProvider) Reset() {
	p.allocCalls.Store(0)
	p.freeCalls.Store(0)
	p.fail.Store(false)
	p.mu.Lock()
	p.live = nil
	p.bytes = 0
	p.mu.Unlock()
}

func blockAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
