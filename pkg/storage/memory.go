package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	atime    time.Time // acquisition time
	expireAt time.Time
}

// Memory is an in-process storage backend. It implements every capability
// and is the reference implementation the other backends are tested against.
//
// State is local to the process, so it does not enforce a global limit
// across replicas; use the Redis, memcached or MongoDB backends for that.
// All operations take a single mutex, which makes each of them atomic per
// key. A background sweep evicts expired state; eviction re-checks the
// expiry under the same mutex so a window renewed concurrently is never
// dropped as stale.
type Memory struct {
	mu          sync.Mutex
	counters    map[string]int64
	expirations map[string]time.Time
	events      map[string][]memoryEntry

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

type MemoryOption func(*Memory)

// WithSweepInterval overrides how often expired state is evicted.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// NewMemory constructs an empty in-memory backend and starts its expiry
// sweep. Call Close to stop the sweep when the backend is discarded.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		counters:    make(map[string]int64),
		expirations: make(map[string]time.Time),
		events:      make(map[string][]memoryEntry),
		sweepEvery:  time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

// Close stops the background expiry sweep.
func (m *Memory) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired(time.Now())
		}
	}
}

func (m *Memory) evictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, evts := range m.events {
		// entries are ordered most-recent-first, so the expired ones
		// form a suffix
		cut := sort.Search(len(evts), func(i int) bool {
			return !evts[i].expireAt.After(now)
		})
		if cut == 0 {
			delete(m.events, key)
		} else if cut < len(evts) {
			m.events[key] = evts[:cut:cut]
		}
	}
	for key, expireAt := range m.expirations {
		if !expireAt.After(now) {
			delete(m.expirations, key)
			delete(m.counters, key)
		}
	}
}

func (m *Memory) Incr(ctx context.Context, key string, expiry time.Duration, elastic bool, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrLocked(key, expiry, elastic, amount, time.Now()), nil
}

func (m *Memory) incrLocked(key string, expiry time.Duration, elastic bool, amount int64, now time.Time) int64 {
	m.expireCounterLocked(key, now)
	m.counters[key] += amount
	if m.counters[key] == amount || elastic {
		m.expirations[key] = now.Add(expiry)
	}
	return m.counters[key]
}

func (m *Memory) decrLocked(key string, amount int64) int64 {
	v := m.counters[key] - amount
	if v < 0 {
		v = 0
	}
	m.counters[key] = v
	return v
}

func (m *Memory) expireCounterLocked(key string, now time.Time) {
	if expireAt, ok := m.expirations[key]; ok && !expireAt.After(now) {
		delete(m.expirations, key)
		delete(m.counters, key)
	}
}

func (m *Memory) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key, time.Now()), nil
}

func (m *Memory) getLocked(key string, now time.Time) int64 {
	m.expireCounterLocked(key, now)
	return m.counters[key]
}

func (m *Memory) Expiry(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expireAt, ok := m.expirations[key]; ok {
		return expireAt, nil
	}
	return time.Now(), nil
}

func (m *Memory) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	delete(m.expirations, key)
	delete(m.events, key)
	return nil
}

func (m *Memory) Check(ctx context.Context) bool {
	return true
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]int64)
	m.expirations = make(map[string]time.Time)
	m.events = make(map[string][]memoryEntry)
	return nil
}

func (m *Memory) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evts := m.events[key]

	// probe the entry that would be pushed out of the window: if it is
	// still fresh, the window cannot fit amount more entries
	if idx := limit - amount; idx < int64(len(evts)) {
		if !evts[idx].atime.Before(now.Add(-expiry)) {
			return false, nil
		}
	}

	fresh := make([]memoryEntry, amount, int64(len(evts))+amount)
	for i := range fresh {
		fresh[i] = memoryEntry{atime: now, expireAt: now.Add(expiry)}
	}
	evts = append(fresh, evts...)
	if int64(len(evts)) > limit {
		evts = evts[:limit:limit]
	}
	m.events[key] = evts
	return true, nil
}

func (m *Memory) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evts := m.events[key]
	cutoff := now.Add(-expiry)

	// entries are ordered most-recent-first: binary search for the first
	// entry that fell out of the window
	count := sort.Search(len(evts), func(i int) bool {
		return evts[i].atime.Before(cutoff)
	})
	if count == 0 {
		return now, 0, nil
	}
	return evts[count-1].atime, int64(count), nil
}

func (m *Memory) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	state := m.slidingWindowLocked(key, expiry, now)
	if state.WeightedCount(expiry)+amount > limit {
		return false, nil
	}
	// the check and the increment share the mutex, so no concurrent hit
	// can slip in between them
	_, current := slidingWindowKeys(key, expiry, now)
	m.incrLocked(current, 2*expiry, false, amount, now)
	return true, nil
}

func (m *Memory) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slidingWindowLocked(key, expiry, time.Now()), nil
}

func (m *Memory) ClearSlidingWindow(ctx context.Context, key string, expiry time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, current := slidingWindowKeys(key, expiry, time.Now())
	for _, k := range []string{key, previous, current} {
		delete(m.counters, k)
		delete(m.expirations, k)
	}
	return nil
}

func (m *Memory) slidingWindowLocked(key string, expiry time.Duration, now time.Time) SlidingWindowState {
	previous, current := slidingWindowKeys(key, expiry, now)
	state := SlidingWindowState{
		PreviousCount: m.getLocked(previous, now),
		CurrentCount:  m.getLocked(current, now),
	}
	state.PreviousTTL, state.CurrentTTL = slidingWindowTTLs(expiry, now, state.PreviousCount)
	return state
}
