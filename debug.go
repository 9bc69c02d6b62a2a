package poolalloc

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MisuseError describes a violated caller obligation detected in debug mode.
// It is raised with panic, never returned.
type MisuseError struct {
	Op     string  // Operation that detected the misuse.
	Addr   uintptr // Chunk address involved, if any.
	Reason string
}

func (e *MisuseError) Error() string {
	if e.Addr == 0 {
		return fmt.Sprintf("poolalloc: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("poolalloc: %s %#x: %s", e.Op, e.Addr, e.Reason)
}

// debugState holds the bookkeeping used to validate caller obligations.
//
// Every free chunk has a checksum of its full contents, including the link
// word, recorded when it joins the free list. A chunk missing from freeSums
// is in use; a checksum mismatch on allocation means the chunk was written
// after it was freed.
type debugState struct {
	size     int // Size of the first request since construction or release, 0 if none.
	freeSums map[uintptr]uint64
}

func newDebugState() *debugState {
	return &debugState{freeSums: make(map[uintptr]uint64)}
}

func (d *debugState) reset() {
	d.size = 0
	clear(d.freeSums)
}

func (d *debugState) checkSize(op string, size int) {
	if d.size == 0 {
		d.size = size
		return
	}
	if size != d.size {
		panic(&MisuseError{
			Op:     op,
			Reason: fmt.Sprintf("size %d does not match allocator size %d", size, d.size),
		})
	}
}

// trackPool records every chunk of a freshly linked pool as free.
func (d *debugState) trackPool(mem []byte, chunkSize int) {
	for off := 0; off+chunkSize <= len(mem); off += chunkSize {
		c := mem[off : off+chunkSize]
		d.freeSums[addrOf(c)] = xxhash.Sum64(c)
	}
}

// track records c as free.
func (d *debugState) track(c *chunk, chunkSize int) {
	d.freeSums[c.addr()] = xxhash.Sum64(c.bytes(chunkSize))
}

func (d *debugState) onAllocate(c *chunk, chunkSize int) {
	sum, ok := d.freeSums[c.addr()]
	if !ok {
		panic(&MisuseError{Op: "allocate", Addr: c.addr(), Reason: "free list head is not a free chunk"})
	}
	if xxhash.Sum64(c.bytes(chunkSize)) != sum {
		panic(&MisuseError{Op: "allocate", Addr: c.addr(), Reason: "chunk was modified after it was deallocated"})
	}
	delete(d.freeSums, c.addr())
}

func (d *debugState) onDeallocate(a *PoolAllocator, addr uintptr, size int) {
	d.checkSize("deallocate", size)
	if !a.owns(addr) {
		panic(&MisuseError{Op: "deallocate", Addr: addr, Reason: "chunk is not owned by this allocator"})
	}
	if _, free := d.freeSums[addr]; free {
		panic(&MisuseError{Op: "deallocate", Addr: addr, Reason: "chunk is already free"})
	}
}
