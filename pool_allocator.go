// Package poolalloc implements a fixed-size chunk allocator.
//
// A PoolAllocator requests memory in bulk ("pools") from a MemoryProvider,
// carves each pool into equally sized chunks and serves them from an intrusive
// free list threaded through the free chunks themselves. Allocate and
// Deallocate are O(1); a new pool is only requested when the free list is empty.
//
// The allocator is homogeneous: every Allocate and Deallocate call on one
// instance must pass the same size. It does not track chunks handed out to
// callers, so freeing a chunk it does not own, freeing a chunk twice, passing a
// mismatched size, or touching a chunk after ReleasePool is undefined behaviour.
// Config.Debug enables runtime checks for these mistakes.
package poolalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"
)

var (
	ErrInvalidChunksPerPool = errors.New("chunks per pool must be at least 1")
	ErrInvalidMaxPools      = errors.New("max pools cannot be negative")
	ErrInvalidSize          = errors.New("chunk size must be positive")
	ErrOutOfMemory          = errors.New("out of memory")
	ErrClosed               = errors.New("allocator is closed")
)

// chunk is the free-list node overlaid on the first word of every free chunk.
type chunk struct {
	next *chunk
}

const (
	chunkHeaderSize = int(unsafe.Sizeof(chunk{}))
	chunkAlign      = int(unsafe.Alignof(chunk{}))
)

// setNext links c to next.
// The link word is cleared first so the pointer write never observes
// stale caller bytes as the previous pointer value.
func (c *chunk) setNext(next *chunk) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(c)), 0)
	c.next = next
}

// bytes returns the n bytes of memory starting at c.
func (c *chunk) bytes(n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), n)
}

func (c *chunk) addr() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// validateSize rejects sizes that are not positive or too large to be padded
// to a chunk.
func validateSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size > math.MaxInt-chunkAlign {
		return fmt.Errorf("%w: chunk size %d is too large", ErrOutOfMemory, size)
	}
	return nil
}

// chunkSizeFor returns the size of the chunks backing allocations of size bytes.
func chunkSizeFor(size int) int {
	n := max(size, chunkHeaderSize)
	return (n + chunkAlign - 1) &^ (chunkAlign - 1)
}

// pool is a contiguous memory block obtained from a MemoryProvider.
type pool struct {
	mem []byte
}

func (p pool) base() uintptr {
	return addrOf(p.mem)
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// registry owns every pool of an allocator.
// It lives apart from PoolAllocator so a GC cleanup can release the pools
// without keeping the allocator itself reachable.
type registry struct {
	provider MemoryProvider
	logger   *slog.Logger
	pools    []pool
}

// releaseAll returns all pools to the provider. The registry is emptied even
// when the provider fails to release some of them.
func (r *registry) releaseAll() error {
	var errs []error
	for i := range r.pools {
		if err := r.provider.Free(r.pools[i].mem); err != nil {
			r.logger.Error("failed to release pool", "bytes", len(r.pools[i].mem), "error", err)
			errs = append(errs, err)
		}
		r.pools[i] = pool{}
	}
	r.pools = r.pools[:0]
	return errors.Join(errs...)
}

// Stats is a snapshot of an allocator's bookkeeping.
type Stats struct {
	Pools           int    `json:"pools"`           // Pools currently owned.
	ChunksPerPool   int    `json:"chunksPerPool"`   // Chunks carved out of each pool.
	ChunkSize       int    `json:"chunkSize"`       // Size of each chunk in bytes, 0 before the first pool.
	FreeChunks      int    `json:"freeChunks"`      // Chunks on the free list.
	InUseChunks     int    `json:"inUseChunks"`     // Chunks handed out and not yet deallocated.
	ReservedBytes   int    `json:"reservedBytes"`   // Total pool memory owned.
	PoolAllocations uint64 `json:"poolAllocations"` // Pools requested from the provider over the allocator lifetime.
	PoolReleases    uint64 `json:"poolReleases"`    // Pools returned to the provider over the allocator lifetime.
}

// PoolAllocator serves fixed-size chunks from lazily allocated pools.
//
// Chunks are only valid while their allocator is reachable: once an allocator
// that was never closed is garbage collected, its pools are released and any
// chunk still held by a caller dangles. Keep the allocator alive for as long
// as its chunks are in use, by calling Close after the last use or with
// runtime.KeepAlive.
//
// A PoolAllocator is not safe for concurrent use; see Locked.
type PoolAllocator struct {
	logger        *slog.Logger
	reg           *registry
	cleanup       runtime.Cleanup
	chunksPerPool int
	maxPools      int
	chunkSize     int    // Chunk size of the current pools, 0 until the first pool is allocated.
	head          *chunk // Free list head; nil when exhausted.
	free          int    // Number of chunks on the free list.
	closed        bool
	debug         *debugState // Non-nil in debug mode.

	poolAllocations uint64
	poolReleases    uint64
}

// New creates an allocator whose pools hold chunksPerPool chunks each,
// with the remaining settings taken from DefaultConfig.
// No memory is reserved until the first Allocate.
func New(chunksPerPool int) (*PoolAllocator, error) {
	config := DefaultConfig()
	config.ChunksPerPool = chunksPerPool
	return Custom(config)
}

// Custom creates an allocator from a custom config.
func Custom(config Config) (*PoolAllocator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := config.Provider
	if provider == nil {
		provider = DefaultProvider()
	}

	a := &PoolAllocator{
		logger:        logger,
		reg:           &registry{provider: provider, logger: logger},
		chunksPerPool: config.ChunksPerPool,
		maxPools:      config.MaxPools,
	}
	if config.Debug {
		a.debug = newDebugState()
	}
	// Pools of an allocator that is never closed are released once it becomes unreachable.
	a.cleanup = runtime.AddCleanup(a, func(r *registry) {
		if err := r.releaseAll(); err != nil {
			r.logger.Error("failed to release pools of unreachable allocator", "error", err)
		}
	}, a.reg)
	return a, nil
}

// Allocate returns a chunk of size bytes.
//
// The returned memory is not zeroed and may hold data of a previous occupant.
// If the free list is empty a new pool is requested from the provider; an
// error wrapping ErrOutOfMemory is returned if it cannot be satisfied, leaving
// the allocator unchanged. size must be the same on every call.
func (a *PoolAllocator) Allocate(size int) ([]byte, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	if a.closed {
		return nil, ErrClosed
	}
	if a.debug != nil {
		a.debug.checkSize("allocate", size)
	}

	if a.head == nil {
		head, err := a.allocatePool(chunkSizeFor(size))
		if err != nil {
			return nil, err
		}
		a.head = head
	}

	c := a.head
	if a.debug != nil {
		a.debug.onAllocate(c, a.chunkSize)
	}
	a.head = c.next
	a.free--
	return c.bytes(size), nil
}

// Deallocate returns a chunk obtained from Allocate to the free list.
//
// size must match the size the chunk was allocated with. A nil or zero
// capacity slice is ignored. The chunk must not be used afterwards.
func (a *PoolAllocator) Deallocate(b []byte, size int) {
	if cap(b) == 0 {
		return
	}
	if a.debug != nil {
		a.debug.onDeallocate(a, addrOf(b), size)
	}
	c := (*chunk)(unsafe.Pointer(unsafe.SliceData(b)))
	c.setNext(a.head)
	a.head = c
	a.free++
	if a.debug != nil {
		a.debug.track(c, a.chunkSize)
	}
}

// Reserve grows the allocator until at least numChunks chunks of size bytes
// are free. This is useful for pre-warming an allocator ahead of a burst.
func (a *PoolAllocator) Reserve(size int, numChunks int) error {
	if err := validateSize(size); err != nil {
		return err
	}
	if a.closed {
		return ErrClosed
	}
	if a.debug != nil {
		a.debug.checkSize("reserve", size)
	}
	for a.free < numChunks {
		head, err := a.allocatePool(chunkSizeFor(size))
		if err != nil {
			return err
		}
		a.head = head
	}
	return nil
}

// ReleasePool returns every pool to the provider and resets the allocator to
// its just-constructed state. Chunks that were not deallocated become invalid.
func (a *PoolAllocator) ReleasePool() error {
	if inUse := a.inUse(); inUse > 0 && a.debug != nil {
		a.logger.Warn("releasing pools with outstanding chunks", "chunks", inUse, "chunkSize", a.chunkSize)
	}
	a.poolReleases += uint64(len(a.reg.pools))
	err := a.reg.releaseAll()
	a.head = nil
	a.free = 0
	a.chunkSize = 0
	if a.debug != nil {
		a.debug.reset()
	}
	if err != nil {
		return fmt.Errorf("release pools: %w", err)
	}
	return nil
}

// Close releases all pools and disables the allocator.
// Subsequent calls to Allocate and Reserve return ErrClosed.
func (a *PoolAllocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.cleanup.Stop()
	return a.ReleasePool()
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (a *PoolAllocator) Stats() Stats {
	return Stats{
		Pools:           len(a.reg.pools),
		ChunksPerPool:   a.chunksPerPool,
		ChunkSize:       a.chunkSize,
		FreeChunks:      a.free,
		InUseChunks:     a.inUse(),
		ReservedBytes:   len(a.reg.pools) * a.chunksPerPool * a.chunkSize,
		PoolAllocations: a.poolAllocations,
		PoolReleases:    a.poolReleases,
	}
}

func (a *PoolAllocator) inUse() int {
	return len(a.reg.pools)*a.chunksPerPool - a.free
}

// owns reports whether addr is the start of a chunk inside one of the pools.
func (a *PoolAllocator) owns(addr uintptr) bool {
	for _, p := range a.reg.pools {
		base := p.base()
		if addr >= base && addr < base+uintptr(a.chunksPerPool*a.chunkSize) {
			return (addr-base)%uintptr(a.chunkSize) == 0
		}
	}
	return false
}

// allocatePool requests a new pool of chunkSize chunks from the provider and
// links its chunks in address order in front of the current free list.
// It returns the new free list head.
func (a *PoolAllocator) allocatePool(chunkSize int) (*chunk, error) {
	if a.maxPools > 0 && len(a.reg.pools) >= a.maxPools {
		return nil, fmt.Errorf("%w: pool limit %d reached", ErrOutOfMemory, a.maxPools)
	}
	if chunkSize > math.MaxInt/a.chunksPerPool {
		return nil, fmt.Errorf("%w: pool of %d chunks of %d bytes overflows", ErrOutOfMemory, a.chunksPerPool, chunkSize)
	}
	totalAllocSize := chunkSize * a.chunksPerPool

	mem, err := a.reg.provider.Alloc(totalAllocSize)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot allocate %d bytes for chunk size %d: %w",
			ErrOutOfMemory, totalAllocSize, chunkSize, err)
	}
	if len(mem) < totalAllocSize || addrOf(mem)%uintptr(chunkAlign) != 0 {
		// The provider broke its contract; hand the block back untouched.
		if err := a.reg.provider.Free(mem); err != nil {
			a.logger.Error("failed to release rejected pool", "error", err)
		}
		return nil, fmt.Errorf("%w: provider returned %d bytes, want %d aligned to %d",
			ErrOutOfMemory, len(mem), totalAllocSize, chunkAlign)
	}

	next := a.head
	for off := totalAllocSize - chunkSize; off >= 0; off -= chunkSize {
		c := (*chunk)(unsafe.Pointer(&mem[off]))
		c.setNext(next)
		next = c
	}

	a.reg.pools = append(a.reg.pools, pool{mem: mem})
	if len(a.reg.pools) == 1 {
		a.chunkSize = chunkSize
	}
	a.free += a.chunksPerPool
	a.poolAllocations++
	if a.debug != nil {
		a.debug.trackPool(mem[:totalAllocSize], chunkSize)
	}
	a.logger.Debug("allocated pool",
		"pools", len(a.reg.pools),
		"chunkSize", chunkSize,
		"chunks", a.chunksPerPool,
		"bytes", totalAllocSize,
	)
	return next, nil
}
