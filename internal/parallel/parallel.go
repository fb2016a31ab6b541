// Package parallel splits element ranges across goroutines.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of goroutines per call.
	MinChunkSize int  // Minimum elements per goroutine.
}

// DefaultConfig returns defaults based on GOMAXPROCS.
func DefaultConfig() Config {
	return WithWorkers(runtime.GOMAXPROCS(0))
}

// WithWorkers returns a config using at most n goroutines.
func WithWorkers(n int) Config {
	if n < 1 {
		n = 1
	}
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1 << 14, // 64 KiB of float32 per chunk.
	}
}

// Range splits [0, n) into contiguous chunks and calls f on each, concurrently when cfg
// allows it. Chunks never overlap, so f may write its range without synchronization.
// The first error returned by f is returned once all chunks finish.
func Range(n int, cfg Config, f func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if !cfg.Enabled || cfg.NumWorkers < 2 || n <= cfg.MinChunkSize {
		return f(0, n)
	}

	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			return f(lo, hi)
		})
	}
	return g.Wait()
}
