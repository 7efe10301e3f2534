/*
Package workers sizes and runs small bounded worker pools.

The engine's own concurrency ceiling for encodes is a configuration value
(MAX_CONCURRENT_JOBS). This package covers the secondary fan-out: probing many
files at once for a batch analysis. Sizes come from GOMAXPROCS, which Go sets
from the container CPU limit, rather than runtime.NumCPU:

	size := workers.ForIO(8)
	workers.ForEach(ctx, size, len(paths), func(ctx context.Context, i int) {
	    results[i] = analyze(ctx, paths[i])
	})

ANALYZE_WORKERS overrides the computed size, still capped by the limit.
*/
package workers
