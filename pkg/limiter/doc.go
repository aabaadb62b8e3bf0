// Package limiter provides rate limiting strategies that run against a
// pluggable storage backend.
//
// A limit is described by an Item ("10 per minute", "500 per 7 days"), a
// strategy decides whether an event may proceed, and a storage backend
// holds the window state:
//
//	store := storage.NewMemory()
//	fw := limiter.NewFixedWindow(store)
//
//	ok, err := fw.Hit(ctx, limiter.PerMinute(10), "user_123")
//
// # Strategies
//
// Three window algorithms are provided, with different precision/cost
// trade-offs:
//
//   - FixedWindow: one counter per window. Cheapest; allows a burst of up
//     to 2x the limit around a window boundary.
//   - MovingWindow: a log of event timestamps. Exact over any rolling
//     window; memory grows with the limit.
//   - SlidingWindowCounter: two adjacent counters blended by overlap.
//     Constant memory, close to moving window precision.
//
// All strategies implement the Strategy interface: Hit/HitN consume
// capacity, Test/TestN check without consuming, Stats reports the reset
// time and remaining capacity, and Clear drops the window state. HitN and
// TestN take a cost so one call can consume several units at once; a cost
// larger than the limit's amount is always rejected without touching
// stored state.
//
// # Items and keys
//
// An Item is a value: amount, granularity (second through year) and a
// multiplier. Per-subject state is addressed by the item plus free-form
// identifiers:
//
//	fw.Hit(ctx, limiter.PerHour(1000), "api_key", key.ID)
//
// The storage key incorporates the amount and granularity, so changing a
// limit definition never reuses the old definition's window state.
//
// # Storage backends
//
// Backends live in the storage package: in-process memory, the Redis
// family (single node, cluster, sentinel), memcached and MongoDB. Not
// every backend supports every strategy; a strategy constructor returns
// ErrConfiguration when the backend lacks the capability it needs, rather
// than failing on the first call. The fixed window strategy runs
// everywhere.
//
// # Concurrency
//
// Every window mutation executes as a single atomic unit per key on the
// backend, so concurrent hits against the same key never over-admit: N
// concurrent hits against a fresh "amount=K" limit admit exactly K. The
// strategies themselves are stateless and safe for concurrent use.
//
// # Errors
//
// Validation problems (bad item, non-positive cost, missing capability)
// surface as ErrConfiguration. Transient backend conflicts are retried a
// bounded number of times and then surface as storage.ErrConcurrentUpdate.
// Backend client errors propagate unchanged unless the backend was
// constructed with error wrapping, in which case they arrive as
// *storage.StorageError. No call silently returns a wrong-but-plausible
// result on error.
//
// # Metrics
//
// Strategies accept a MetricsRecorder through WithRecorder. The recorder
// receives a call counter and a latency observation per hit, tagged with
// the strategy name and the result. PrometheusRecorder adapts the
// interface to prometheus; the default recorder discards everything.
package limiter
