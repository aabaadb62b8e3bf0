package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/manenim/limits-go/pkg/storage"
)

// MovingWindow admits up to item.Amount events within any rolling window of
// item.Expiry, tracked exactly through a per-key log of event timestamps.
// It requires a backend implementing storage.MovingWindowSupport; binding
// it to one that does not fails at construction.
type MovingWindow struct {
	store    storage.Counter
	window   storage.MovingWindowSupport
	recorder MetricsRecorder
}

// NewMovingWindow builds a moving window strategy against store. It returns
// ErrConfiguration when the backend cannot maintain an ordered timestamp
// log (for example memcached).
func NewMovingWindow(store storage.Counter, opts ...Option) (*MovingWindow, error) {
	window, ok := store.(storage.MovingWindowSupport)
	if !ok {
		return nil, fmt.Errorf("%w: storage %T does not support the moving window strategy", ErrConfiguration, store)
	}
	cfg := newConfig(opts)
	return &MovingWindow{store: store, window: window, recorder: cfg.recorder}, nil
}

func (m *MovingWindow) Hit(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return m.HitN(ctx, item, 1, identifiers...)
}

func (m *MovingWindow) HitN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	start := time.Now()
	if cost > item.Amount {
		recordHit(m.recorder, StrategyMovingWindow, false, start)
		return false, nil
	}

	allowed, err := m.window.AcquireEntry(ctx, item.KeyFor(identifiers...), item.Amount, item.Expiry(), cost)
	if err != nil {
		return false, err
	}
	recordHit(m.recorder, StrategyMovingWindow, allowed, start)
	return allowed, nil
}

func (m *MovingWindow) Test(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return m.TestN(ctx, item, 1, identifiers...)
}

func (m *MovingWindow) TestN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	_, count, err := m.window.MovingWindow(ctx, item.KeyFor(identifiers...), item.Amount, item.Expiry())
	if err != nil {
		return false, err
	}
	return count+cost <= item.Amount, nil
}

func (m *MovingWindow) Stats(ctx context.Context, item Item, identifiers ...string) (WindowStats, error) {
	if err := item.Validate(); err != nil {
		return WindowStats{}, err
	}
	oldest, count, err := m.window.MovingWindow(ctx, item.KeyFor(identifiers...), item.Amount, item.Expiry())
	if err != nil {
		return WindowStats{}, err
	}

	// with an empty window the backend reports oldest as "now", which is
	// exactly when the limit is retestable
	reset := oldest
	if count > 0 {
		reset = oldest.Add(item.Expiry())
	}
	return WindowStats{Reset: reset, Remaining: item.Amount - count}, nil
}

func (m *MovingWindow) Clear(ctx context.Context, item Item, identifiers ...string) error {
	return m.store.Clear(ctx, item.KeyFor(identifiers...))
}
