// Package workload drives a PoolAllocator with a synthetic allocation pattern:
// a bounded live set of fixed-size objects that are allocated and released at
// random, the way per-frame scene objects churn.
package workload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/holmberd/go-poolalloc"
)

const (
	ProviderMmap = "mmap"
	ProviderHeap = "heap"
)

// Profile describes a workload and the allocator it runs against.
type Profile struct {
	ChunksPerPool int    `toml:"chunks_per_pool" json:"chunksPerPool"`
	ChunkSize     int    `toml:"chunk_size" json:"chunkSize"`
	Ops           int    `toml:"ops" json:"ops"`           // Number of allocate or deallocate operations.
	MaxLive       int    `toml:"max_live" json:"maxLive"`  // Upper bound of simultaneously allocated chunks.
	Reserve       int    `toml:"reserve" json:"reserve"`   // Chunks to pre-warm before running.
	Seed          int64  `toml:"seed" json:"seed"`
	Provider      string `toml:"provider" json:"provider"` // "mmap" or "heap".
	Debug         bool   `toml:"debug" json:"debug"`
}

func DefaultProfile() Profile {
	return Profile{
		ChunksPerPool: poolalloc.DefaultChunksPerPool,
		ChunkSize:     64,
		Ops:           1_000_000,
		MaxLive:       10_000,
		Seed:          1,
		Provider:      ProviderMmap,
	}
}

func (p Profile) Validate() error {
	var errs []error
	if p.ChunksPerPool < 1 {
		errs = append(errs, fmt.Errorf("invalid profile: chunks_per_pool must be at least 1, got %d", p.ChunksPerPool))
	}
	if p.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("invalid profile: chunk_size must be at least 1, got %d", p.ChunkSize))
	}
	if p.Ops < 0 {
		errs = append(errs, fmt.Errorf("invalid profile: ops cannot be negative, got %d", p.Ops))
	}
	if p.MaxLive < 1 {
		errs = append(errs, fmt.Errorf("invalid profile: max_live must be at least 1, got %d", p.MaxLive))
	}
	if p.Reserve < 0 {
		errs = append(errs, fmt.Errorf("invalid profile: reserve cannot be negative, got %d", p.Reserve))
	}
	if p.Provider != ProviderMmap && p.Provider != ProviderHeap {
		errs = append(errs, fmt.Errorf("invalid profile: unknown provider %q", p.Provider))
	}
	return errors.Join(errs...)
}

// LoadProfile reads a TOML profile. Fields missing from the file keep their
// DefaultProfile values.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p, nil
}

// Config returns the allocator config described by the profile.
func (p Profile) Config() poolalloc.Config {
	config := poolalloc.DefaultConfig()
	config.ChunksPerPool = p.ChunksPerPool
	config.Debug = p.Debug
	if p.Provider == ProviderHeap {
		config.Provider = poolalloc.HeapProvider{}
	} else {
		config.Provider = poolalloc.MmapProvider{}
	}
	return config
}

// Result summarizes a workload run.
type Result struct {
	Allocs   int             `json:"allocs"`
	Frees    int             `json:"frees"`
	PeakLive int             `json:"peakLive"`
	Elapsed  time.Duration   `json:"elapsed"`
	Stats    poolalloc.Stats `json:"stats"` // Snapshot taken before the live set is released.
}

// NsPerOp returns the mean duration of a single operation in nanoseconds.
func (r Result) NsPerOp() float64 {
	ops := r.Allocs + r.Frees
	if ops == 0 {
		return 0
	}
	return float64(r.Elapsed.Nanoseconds()) / float64(ops)
}

type allocator interface {
	Allocate(size int) ([]byte, error)
	Deallocate(b []byte, size int)
	Reserve(size int, numChunks int) error
	Stats() poolalloc.Stats
}

// Run executes the profile against a. Every live chunk is stamped with a
// unique id that is verified when the chunk is released, so overlapping
// chunks are reported as an error. The live set is deallocated before returning.
func Run(a allocator, p Profile) (Result, error) {
	var res Result
	if err := p.Validate(); err != nil {
		return res, err
	}
	if p.Reserve > 0 {
		if err := a.Reserve(p.ChunkSize, p.Reserve); err != nil {
			return res, fmt.Errorf("failed to reserve %d chunks: %w", p.Reserve, err)
		}
	}

	rng := rand.New(rand.NewSource(p.Seed))
	live := make([]liveChunk, 0, p.MaxLive)
	var nextID uint64

	release := func(i int) error {
		c := live[i]
		if !hasStamp(c.b, stamp(c.id)) {
			return fmt.Errorf("chunk %d corrupted: stamp overwritten", c.id)
		}
		a.Deallocate(c.b, p.ChunkSize)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		res.Frees++
		return nil
	}

	start := time.Now()
	for range p.Ops {
		if len(live) == 0 || (len(live) < p.MaxLive && rng.Intn(2) == 0) {
			b, err := a.Allocate(p.ChunkSize)
			if err != nil {
				return res, fmt.Errorf("allocation %d failed: %w", res.Allocs, err)
			}
			nextID++
			writeStamp(b, stamp(nextID))
			live = append(live, liveChunk{id: nextID, b: b})
			res.Allocs++
			res.PeakLive = max(res.PeakLive, len(live))
			continue
		}
		if err := release(rng.Intn(len(live))); err != nil {
			return res, err
		}
	}
	res.Elapsed = time.Since(start)
	res.Stats = a.Stats()

	for len(live) > 0 {
		if err := release(len(live) - 1); err != nil {
			return res, err
		}
	}
	return res, nil
}

type liveChunk struct {
	id uint64
	b  []byte
}

func stamp(id uint64) uint64 {
	return id * 0x9E3779B97F4A7C15
}

// writeStamp stores as many bytes of s as fit into b.
func writeStamp(b []byte, s uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s)
	copy(b, buf[:])
}

// hasStamp reports whether b starts with the bytes written by writeStamp.
func hasStamp(b []byte, s uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s)
	n := min(len(b), len(buf))
	return bytes.Equal(b[:n], buf[:n])
}
