package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/holmberd/go-poolalloc"
	"github.com/holmberd/go-poolalloc/internal/workload"
)

type runOptions struct {
	profilePath string
	profile     workload.Profile
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{profile: workload.DefaultProfile()}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic allocation workload",
		Long: `The run command allocates and releases fixed-size chunks at random while
keeping at most --live chunks allocated, then reports allocator statistics.

Flags override values loaded from --profile.

Example:
  poolctl run --size 64 --ops 1000000 --live 10000
  poolctl run --profile scene.toml --debug
  poolctl run --provider heap --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.profilePath, "profile", "", "TOML workload profile")
	f.IntVar(&opts.profile.ChunksPerPool, "chunks-per-pool", opts.profile.ChunksPerPool, "Chunks in each pool")
	f.IntVar(&opts.profile.ChunkSize, "size", opts.profile.ChunkSize, "Chunk size in bytes")
	f.IntVar(&opts.profile.Ops, "ops", opts.profile.Ops, "Number of allocate and deallocate operations")
	f.IntVar(&opts.profile.MaxLive, "live", opts.profile.MaxLive, "Maximum number of simultaneously allocated chunks")
	f.IntVar(&opts.profile.Reserve, "reserve", opts.profile.Reserve, "Chunks to pre-warm before running")
	f.Int64Var(&opts.profile.Seed, "seed", opts.profile.Seed, "Random seed")
	f.StringVar(&opts.profile.Provider, "provider", opts.profile.Provider, "Memory provider: mmap or heap")
	f.BoolVar(&opts.profile.Debug, "debug", opts.profile.Debug, "Validate allocator usage")
	return cmd
}

func runWorkload(cmd *cobra.Command, opts *runOptions) error {
	p := opts.profile
	if opts.profilePath != "" {
		loaded, err := workload.LoadProfile(opts.profilePath)
		if err != nil {
			return err
		}
		p = mergeProfile(cmd, loaded, opts.profile)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	a, err := poolalloc.Custom(p.Config())
	if err != nil {
		return err
	}
	res, runErr := workload.Run(a, p)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, struct {
			Profile workload.Profile `json:"profile"`
			Result  workload.Result  `json:"result"`
		}{p, res})
	}
	printResult(out, p, res)
	return nil
}

// mergeProfile applies the flags explicitly set on cmd on top of a loaded profile.
func mergeProfile(cmd *cobra.Command, loaded, flags workload.Profile) workload.Profile {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("chunks-per-pool") {
		loaded.ChunksPerPool = flags.ChunksPerPool
	}
	if set("size") {
		loaded.ChunkSize = flags.ChunkSize
	}
	if set("ops") {
		loaded.Ops = flags.Ops
	}
	if set("live") {
		loaded.MaxLive = flags.MaxLive
	}
	if set("reserve") {
		loaded.Reserve = flags.Reserve
	}
	if set("seed") {
		loaded.Seed = flags.Seed
	}
	if set("provider") {
		loaded.Provider = flags.Provider
	}
	if set("debug") {
		loaded.Debug = flags.Debug
	}
	return loaded
}

func printResult(w io.Writer, p workload.Profile, res workload.Result) {
	pr := newPrinter()
	s := res.Stats
	pr.Fprintf(w, "Workload\n")
	pr.Fprintf(w, "  Provider:        %s\n", p.Provider)
	pr.Fprintf(w, "  Operations:      %d (%d allocs, %d frees)\n", res.Allocs+res.Frees, res.Allocs, res.Frees)
	pr.Fprintf(w, "  Peak live:       %d chunks\n", res.PeakLive)
	pr.Fprintf(w, "  Elapsed:         %v (%.1f ns/op)\n", res.Elapsed, res.NsPerOp())
	pr.Fprintf(w, "Allocator\n")
	pr.Fprintf(w, "  Pools:           %d x %d chunks\n", s.Pools, s.ChunksPerPool)
	pr.Fprintf(w, "  Chunk size:      %d bytes (requested %d)\n", s.ChunkSize, p.ChunkSize)
	pr.Fprintf(w, "  Chunks in use:   %d\n", s.InUseChunks)
	pr.Fprintf(w, "  Chunks free:     %d\n", s.FreeChunks)
	pr.Fprintf(w, "  Reserved:        %d bytes (%s)\n", s.ReservedBytes, formatBytes(s.ReservedBytes))
	if verbose {
		pr.Fprintf(w, "  Pool allocations: %d\n", s.PoolAllocations)
	}
}

func formatBytes(n int) string {
	switch {
	case n >= poolalloc.MiB:
		return fmt.Sprintf("%.1f MiB", float64(n)/poolalloc.MiB)
	case n >= poolalloc.KiB:
		return fmt.Sprintf("%.1f KiB", float64(n)/poolalloc.KiB)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
