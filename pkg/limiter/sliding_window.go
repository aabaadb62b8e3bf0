package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/manenim/limits-go/pkg/storage"
)

// SlidingWindowCounter approximates a moving window with two adjacent
// fixed-window counters: the previous window's count contributes to the
// admission decision weighted by how much of it still overlaps the sliding
// window. Memory stays constant per key regardless of the limit, at the
// price of the count being an estimate rather than exact.
//
// The previous contribution is floored, so the approximation can only
// under-admit, never over-admit. On backends that align buckets to fixed
// boundaries, the very first sample of a key can permit a burst at the
// boundary (one hit just before, another just after); this is an accepted
// property of the bucket scheme.
type SlidingWindowCounter struct {
	store    storage.Counter
	window   storage.SlidingWindowCounterSupport
	recorder MetricsRecorder
}

// NewSlidingWindowCounter builds a sliding window counter strategy against
// store. It returns ErrConfiguration when the backend cannot maintain the
// rotating counter pair.
func NewSlidingWindowCounter(store storage.Counter, opts ...Option) (*SlidingWindowCounter, error) {
	window, ok := store.(storage.SlidingWindowCounterSupport)
	if !ok {
		return nil, fmt.Errorf("%w: storage %T does not support the sliding window counter strategy", ErrConfiguration, store)
	}
	cfg := newConfig(opts)
	return &SlidingWindowCounter{store: store, window: window, recorder: cfg.recorder}, nil
}

func (s *SlidingWindowCounter) Hit(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return s.HitN(ctx, item, 1, identifiers...)
}

func (s *SlidingWindowCounter) HitN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	start := time.Now()
	if cost > item.Amount {
		recordHit(s.recorder, StrategySlidingWindowCounter, false, start)
		return false, nil
	}

	allowed, err := s.window.AcquireSlidingWindowEntry(ctx, item.KeyFor(identifiers...), item.Amount, item.Expiry(), cost)
	if err != nil {
		return false, err
	}
	recordHit(s.recorder, StrategySlidingWindowCounter, allowed, start)
	return allowed, nil
}

func (s *SlidingWindowCounter) Test(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return s.TestN(ctx, item, 1, identifiers...)
}

func (s *SlidingWindowCounter) TestN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	state, err := s.window.SlidingWindow(ctx, item.KeyFor(identifiers...), item.Expiry())
	if err != nil {
		return false, err
	}
	return state.WeightedCount(item.Expiry())+cost <= item.Amount, nil
}

func (s *SlidingWindowCounter) Stats(ctx context.Context, item Item, identifiers ...string) (WindowStats, error) {
	if err := item.Validate(); err != nil {
		return WindowStats{}, err
	}
	state, err := s.window.SlidingWindow(ctx, item.KeyFor(identifiers...), item.Expiry())
	if err != nil {
		return WindowStats{}, err
	}

	remaining := item.Amount - state.WeightedCount(item.Expiry())
	if remaining < 0 {
		remaining = 0
	}
	// the next rotation happens when the current bucket expires, which is
	// the earliest point the estimate can fully reset
	return WindowStats{
		Reset:     time.Now().Add(state.CurrentTTL),
		Remaining: remaining,
	}, nil
}

func (s *SlidingWindowCounter) Clear(ctx context.Context, item Item, identifiers ...string) error {
	return s.window.ClearSlidingWindow(ctx, item.KeyFor(identifiers...), item.Expiry())
}
