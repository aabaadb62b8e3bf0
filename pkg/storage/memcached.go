package storage

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is a storage backend for memcached. It implements Counter and
// SlidingWindowCounterSupport; memcached has no ordered data structure, so
// the moving window strategy cannot run against it.
//
// Atomicity comes from memcached's native incr/decr plus an add fallback
// for fresh keys: when two clients race to create a key, exactly one add
// wins and the loser increments instead. Memcached cannot report a key's
// remaining TTL, so the absolute expiry is tracked on a companion
// "<key>/expires" entry.
type Memcached struct {
	client     *memcache.Client
	wrapErrors bool
}

type MemcachedOption func(*Memcached)

// WithMemcachedWrapErrors makes the backend wrap client errors in
// StorageError.
func WithMemcachedWrapErrors() MemcachedOption {
	return func(m *Memcached) { m.wrapErrors = true }
}

// NewMemcached constructs a backend talking to the given memcached servers.
func NewMemcached(servers []string, opts ...MemcachedOption) (*Memcached, error) {
	m := &Memcached{client: memcache.New(servers...)}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.client.Ping(); err != nil {
		return nil, wrapError(err, m.wrapErrors)
	}
	return m, nil
}

func expirationKey(key string) string {
	return key + "/expires"
}

func ttlSeconds(expiry time.Duration) int32 {
	return int32(math.Ceil(expiry.Seconds()))
}

func (m *Memcached) setExpirationKey(key string, expiry time.Duration) error {
	expireAt := float64(time.Now().UnixNano())/float64(time.Second) + expiry.Seconds()
	return m.client.Set(&memcache.Item{
		Key:        expirationKey(key),
		Value:      strconv.AppendFloat(nil, expireAt, 'f', -1, 64),
		Expiration: ttlSeconds(expiry),
	})
}

func (m *Memcached) Incr(ctx context.Context, key string, expiry time.Duration, elastic bool, amount int64) (int64, error) {
	value, err := m.incr(key, expiry, elastic, amount, true)
	return value, wrapError(err, m.wrapErrors)
}

func (m *Memcached) incr(key string, expiry time.Duration, elastic bool, amount int64, trackExpiry bool) (int64, error) {
	value, err := m.client.Increment(key, uint64(amount))
	if err == nil {
		if elastic {
			if err := m.client.Touch(key, ttlSeconds(expiry)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				return 0, err
			}
			if trackExpiry {
				if err := m.setExpirationKey(key, expiry); err != nil {
					return 0, err
				}
			}
		}
		return int64(value), nil
	}
	if !errors.Is(err, memcache.ErrCacheMiss) {
		return 0, err
	}

	// fresh key: try to create it; losing the race to another writer is
	// fine, we increment the winner's value instead
	err = m.client.Add(&memcache.Item{
		Key:        key,
		Value:      strconv.AppendInt(nil, amount, 10),
		Expiration: ttlSeconds(expiry),
	})
	switch {
	case err == nil:
		if trackExpiry {
			if err := m.setExpirationKey(key, expiry); err != nil {
				return 0, err
			}
		}
		return amount, nil
	case errors.Is(err, memcache.ErrNotStored):
		value, err := m.client.Increment(key, uint64(amount))
		if err != nil {
			return 0, err
		}
		if elastic {
			if err := m.client.Touch(key, ttlSeconds(expiry)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				return 0, err
			}
			if trackExpiry {
				if err := m.setExpirationKey(key, expiry); err != nil {
					return 0, err
				}
			}
		}
		return int64(value), nil
	default:
		return 0, err
	}
}

func (m *Memcached) Get(ctx context.Context, key string) (int64, error) {
	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapError(err, m.wrapErrors)
	}
	value, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, wrapError(err, m.wrapErrors)
	}
	return value, nil
}

func (m *Memcached) Expiry(ctx context.Context, key string) (time.Time, error) {
	item, err := m.client.Get(expirationKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return time.Now(), nil
	}
	if err != nil {
		return time.Time{}, wrapError(err, m.wrapErrors)
	}
	expireAt, err := strconv.ParseFloat(string(item.Value), 64)
	if err != nil {
		return time.Time{}, wrapError(err, m.wrapErrors)
	}
	return time.Unix(0, int64(expireAt*float64(time.Second))), nil
}

func (m *Memcached) Clear(ctx context.Context, key string) error {
	for _, k := range []string{key, expirationKey(key)} {
		if err := m.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return wrapError(err, m.wrapErrors)
		}
	}
	return nil
}

func (m *Memcached) Check(ctx context.Context) bool {
	return m.client.Ping() == nil
}

// Reset is not supported: memcached offers no way to enumerate keys.
func (m *Memcached) Reset(ctx context.Context) error {
	return ErrResetNotSupported
}

func (m *Memcached) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	now := time.Now()
	state, err := m.slidingWindow(key, expiry, now)
	if err != nil {
		return false, wrapError(err, m.wrapErrors)
	}
	if state.WeightedCount(expiry)+amount > limit {
		return false, nil
	}

	// the expiry timestamp is derivable from the bucket key, so the
	// companion expires entry is not needed here
	_, current := slidingWindowKeys(key, expiry, now)
	currentCount, err := m.incr(current, 2*expiry, false, amount, false)
	if err != nil {
		return false, wrapError(err, m.wrapErrors)
	}

	// another writer may have raced past the check above: re-compute the
	// weighted count with the value our increment observed, and roll back
	// if the window overflowed
	previousTTL := state.PreviousTTL - time.Since(now)
	if previousTTL < 0 {
		previousTTL = 0
	}
	weighted := int64(float64(state.PreviousCount)*previousTTL.Seconds()/expiry.Seconds()) + currentCount
	if weighted > limit {
		if _, err := m.client.Decrement(current, uint64(amount)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return false, wrapError(err, m.wrapErrors)
		}
		return false, nil
	}
	return true, nil
}

func (m *Memcached) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	state, err := m.slidingWindow(key, expiry, time.Now())
	return state, wrapError(err, m.wrapErrors)
}

func (m *Memcached) slidingWindow(key string, expiry time.Duration, now time.Time) (SlidingWindowState, error) {
	previous, current := slidingWindowKeys(key, expiry, now)
	items, err := m.client.GetMulti([]string{previous, current})
	if err != nil {
		return SlidingWindowState{}, err
	}

	var state SlidingWindowState
	if item, ok := items[previous]; ok {
		if state.PreviousCount, err = strconv.ParseInt(string(item.Value), 10, 64); err != nil {
			return SlidingWindowState{}, err
		}
	}
	if item, ok := items[current]; ok {
		if state.CurrentCount, err = strconv.ParseInt(string(item.Value), 10, 64); err != nil {
			return SlidingWindowState{}, err
		}
	}
	state.PreviousTTL, state.CurrentTTL = slidingWindowTTLs(expiry, now, state.PreviousCount)
	return state, nil
}

func (m *Memcached) ClearSlidingWindow(ctx context.Context, key string, expiry time.Duration) error {
	previous, current := slidingWindowKeys(key, expiry, time.Now())
	for _, k := range []string{key, previous, current} {
		if err := m.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return wrapError(err, m.wrapErrors)
		}
	}
	return nil
}
