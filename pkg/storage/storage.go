// Package storage contains the storage backends rate limiting strategies run
// against, and the capability interfaces they are selected through.
//
// Every backend implements Counter, which is enough for the fixed window
// strategy. Backends that can keep an ordered log of timestamps additionally
// implement MovingWindowSupport, and backends that can keep a rotating pair
// of counters implement SlidingWindowCounterSupport. Strategies check for the
// capability they need at construction time, so a backend missing one fails
// fast instead of on the first call.
//
// The contract every backend must honor: window-mutating operations (Incr,
// AcquireEntry, AcquireSlidingWindowEntry) execute as a single atomic unit
// per key. The in-memory backend uses a mutex, Redis uses server-side Lua
// scripts, MongoDB uses conditional document updates, and memcached uses its
// native atomic increment with an add fallback.
package storage

import (
	"context"
	"time"
)

// Counter is the minimal interface a storage backend must provide. It is
// sufficient for the fixed window strategy.
type Counter interface {
	// Incr atomically increments the counter for key by amount and returns
	// the new value. The first increment of a fresh key sets the key to
	// expire after expiry. When elastic is true the expiry is re-armed on
	// every hit instead.
	Incr(ctx context.Context, key string, expiry time.Duration, elastic bool, amount int64) (int64, error)

	// Get returns the current counter value for key, or 0 if the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Expiry returns the absolute time at which key expires. If the key
	// does not exist, the current time is returned.
	Expiry(ctx context.Context, key string) (time.Time, error)

	// Clear removes all state stored under key.
	Clear(ctx context.Context, key string) error

	// Check reports whether the backend is reachable and healthy.
	Check(ctx context.Context) bool

	// Reset removes all rate limit state held by the backend. Backends
	// that cannot enumerate their keys return an error.
	Reset(ctx context.Context) error
}

// MovingWindowSupport is implemented by backends that can maintain an
// ordered, bounded log of event timestamps per key. It is required by the
// moving window strategy.
type MovingWindowSupport interface {
	// AcquireEntry atomically inserts amount entries into the log for key
	// if doing so keeps at most limit entries inside the window, and
	// reports whether the entries were admitted. The probe and the insert
	// happen as one atomic unit.
	AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)

	// MovingWindow returns the timestamp of the oldest entry still inside
	// the window and the number of entries in the window. When the window
	// is empty the current time and 0 are returned.
	MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error)
}

// SlidingWindowState is a point-in-time snapshot of the two counters backing
// the sliding window counter strategy.
type SlidingWindowState struct {
	PreviousCount int64
	PreviousTTL   time.Duration
	CurrentCount  int64
	CurrentTTL    time.Duration
}

// SlidingWindowCounterSupport is implemented by backends that can maintain
// the rotating pair of counters required by the sliding window counter
// strategy.
type SlidingWindowCounterSupport interface {
	// AcquireSlidingWindowEntry atomically admits amount events if the
	// weighted count of the previous and current windows stays within
	// limit, rotating the current window into the previous slot first when
	// it has drifted past its own length.
	AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error)

	// SlidingWindow returns the previous and current window counters and
	// their remaining TTLs, applying the same lazy rotation as the write
	// path.
	SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error)

	// ClearSlidingWindow removes both window counters for key. The expiry
	// is needed to locate the buckets on backends that key them by
	// timestamp.
	ClearSlidingWindow(ctx context.Context, key string, expiry time.Duration) error
}

// WeightedCount blends the previous window into the current one: the
// previous counter contributes proportionally to how much of its window
// still overlaps the sliding one. The contribution is floored, never
// rounded, so the blend can only under-admit at the boundary.
func (s SlidingWindowState) WeightedCount(expiry time.Duration) int64 {
	if expiry <= 0 {
		return s.CurrentCount
	}
	weight := s.PreviousTTL.Seconds() / expiry.Seconds()
	if weight < 0 {
		weight = 0
	}
	return int64(float64(s.PreviousCount)*weight) + s.CurrentCount
}
