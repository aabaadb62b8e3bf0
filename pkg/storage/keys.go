package storage

import (
	"fmt"
	"time"
)

// slidingWindowKeys derives the previous and current bucket keys for
// timestamp-keyed sliding window backends (memory, memcached, MongoDB).
// Buckets are aligned to fixed multiples of expiry since the epoch, so the
// very first sample of a key lands in a boundary-aligned bucket rather than
// one anchored at first-hit time. That permits a burst at the boundary and
// is an accepted approximation of this key scheme.
func slidingWindowKeys(key string, expiry time.Duration, now time.Time) (previous, current string) {
	at := float64(now.UnixNano()) / float64(time.Second)
	exp := expiry.Seconds()
	previous = fmt.Sprintf("%s/%d", key, int64((at-exp)/exp))
	current = fmt.Sprintf("%s/%d", key, int64(at/exp))
	return previous, current
}

// slidingWindowTTLs computes the remaining lifetime of the previous and
// current boundary-aligned buckets at time now. The previous bucket's TTL is
// zero once it holds no count; the current bucket always carries up to one
// extra window so it can serve as "previous" after rotation.
func slidingWindowTTLs(expiry time.Duration, now time.Time, previousCount int64) (previousTTL, currentTTL time.Duration) {
	at := float64(now.UnixNano()) / float64(time.Second)
	exp := expiry.Seconds()

	if previousCount > 0 {
		previousTTL = time.Duration((1 - mod1((at-exp)/exp)) * exp * float64(time.Second))
	}
	currentTTL = time.Duration(((1-mod1(at/exp))*exp + exp) * float64(time.Second))
	return previousTTL, currentTTL
}

func mod1(f float64) float64 {
	return f - float64(int64(f))
}
