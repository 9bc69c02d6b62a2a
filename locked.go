package poolalloc

import "sync"

// Locked serializes access to a PoolAllocator so it can be shared between goroutines.
type Locked struct {
	mu sync.Mutex
	a  *PoolAllocator
}

func NewLocked(a *PoolAllocator) *Locked {
	return &Locked{a: a}
}

func (l *Locked) Allocate(size int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Allocate(size)
}

func (l *Locked) Deallocate(b []byte, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.a.Deallocate(b, size)
}

func (l *Locked) Reserve(size int, numChunks int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Reserve(size, numChunks)
}

func (l *Locked) ReleasePool() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.ReleasePool()
}

func (l *Locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Close()
}

func (l *Locked) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Stats()
}
