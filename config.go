package poolalloc

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// DefaultChunksPerPool is the number of chunks in each pool of a default allocator.
	DefaultChunksPerPool = 1024
)

type Config struct {
	// ChunksPerPool is the number of chunks carved out of every pool.
	// It must be at least 1. Larger values amortize provider calls over more
	// allocations at the cost of memory reserved up front.
	ChunksPerPool int

	// MaxPools caps the number of pools the allocator may own at once.
	// Allocate reports ErrOutOfMemory once the cap is reached. Zero means no limit.
	MaxPools int

	Provider MemoryProvider // Source of pool memory; DefaultProvider if nil.
	Logger   *slog.Logger   // slog.Default if nil.

	// Debug enables validation of caller obligations (matching sizes, ownership,
	// double free and writes after free) and leak warnings on release.
	// Violations panic with a *MisuseError. Checks cost memory and time
	// proportional to the number of free chunks.
	Debug bool
}

func (c Config) Validate() error {
	var errs []error
	if c.ChunksPerPool < 1 {
		errs = append(errs, fmt.Errorf("invalid config: %w, got %d", ErrInvalidChunksPerPool, c.ChunksPerPool))
	}
	if c.MaxPools < 0 {
		errs = append(errs, fmt.Errorf("invalid config: %w, got %d", ErrInvalidMaxPools, c.MaxPools))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		ChunksPerPool: DefaultChunksPerPool,
		Provider:      DefaultProvider(),
	}
}
