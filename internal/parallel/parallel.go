// Package parallel fans element-wise kernel work out over a bounded set of
// goroutines.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Maximum number of goroutines in flight.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1024,
	}
}

// Sequential runs everything on the calling goroutine.
func Sequential() Config {
	return Config{}
}

func (cfg Config) chunk(n int) int {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < 2*max(cfg.MinChunkSize, 1) {
		return n
	}
	return max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
}

// Range calls f on consecutive half-open ranges covering [0, n).
// Ranges run concurrently when parallelism is enabled and n is large enough;
// f must only write to indices inside its range.
func Range(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	size := cfg.chunk(n)
	if size >= n {
		f(0, n)
		return
	}

	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		g.Go(func() error {
			f(start, end)
			return nil
		})
	}
	_ = g.Wait()
}

// For executes f(i) for i in [0, n).
func For(n int, f func(i int), cfg Config) {
	Range(n, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// ForBatch iterates the outer x inner index space, the num x channel
// pattern of per-sample kernels.
func ForBatch(outer, inner int, f func(o, i int), cfg Config) {
	if inner <= 0 {
		return
	}
	For(outer*inner, func(k int) {
		f(k/inner, k%inner)
	}, cfg)
}

// Each runs f for every index in [0, n) with at most cfg.NumWorkers in
// flight, stopping at the first error. Cancellation of ctx is observed
// before each call.
func Each(ctx context.Context, n int, f func(ctx context.Context, i int) error, cfg Config) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := 1
	if cfg.Enabled && cfg.NumWorkers > 1 {
		limit = cfg.NumWorkers
	}
	g.SetLimit(limit)
	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return f(ctx, i)
		})
	}
	return g.Wait()
}
