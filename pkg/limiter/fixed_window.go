package limiter

import (
	"context"
	"time"

	"github.com/manenim/limits-go/pkg/storage"
)

// FixedWindow admits up to item.Amount events per window, with windows
// anchored at the first hit and reset at fixed boundaries. It runs against
// any Counter backend.
//
// Two properties of this strategy are intentional, not bugs:
//
//   - Bursts at the boundary: a full window of events just before a reset
//     and another full window just after it can land within a short real
//     interval.
//   - Over-counting past the limit persists: when concurrent hits race past
//     the limit the counter keeps the excess until natural expiry, so the
//     window keeps rejecting until reset rather than shifting its reset
//     time.
type FixedWindow struct {
	store    storage.Counter
	recorder MetricsRecorder
	elastic  bool
	name     string
}

// NewFixedWindow builds a fixed window strategy against store.
func NewFixedWindow(store storage.Counter, opts ...Option) *FixedWindow {
	cfg := newConfig(opts)
	return &FixedWindow{
		store:    store,
		recorder: cfg.recorder,
		name:     StrategyFixedWindow,
	}
}

// NewFixedWindowElasticExpiry is a fixed window whose expiry is re-armed on
// every hit, so the window keeps extending while traffic keeps arriving.
func NewFixedWindowElasticExpiry(store storage.Counter, opts ...Option) *FixedWindow {
	fw := NewFixedWindow(store, opts...)
	fw.elastic = true
	fw.name = StrategyFixedWindowElasticExpiry
	return fw
}

func (f *FixedWindow) Hit(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return f.HitN(ctx, item, 1, identifiers...)
}

func (f *FixedWindow) HitN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	start := time.Now()
	if cost > item.Amount {
		recordHit(f.recorder, f.name, false, start)
		return false, nil
	}

	count, err := f.store.Incr(ctx, item.KeyFor(identifiers...), item.Expiry(), f.elastic, cost)
	if err != nil {
		return false, err
	}
	allowed := count <= item.Amount
	recordHit(f.recorder, f.name, allowed, start)
	return allowed, nil
}

func (f *FixedWindow) Test(ctx context.Context, item Item, identifiers ...string) (bool, error) {
	return f.TestN(ctx, item, 1, identifiers...)
}

func (f *FixedWindow) TestN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error) {
	if err := validateRequest(item, cost); err != nil {
		return false, err
	}
	count, err := f.store.Get(ctx, item.KeyFor(identifiers...))
	if err != nil {
		return false, err
	}
	return count+cost <= item.Amount, nil
}

func (f *FixedWindow) Stats(ctx context.Context, item Item, identifiers ...string) (WindowStats, error) {
	if err := item.Validate(); err != nil {
		return WindowStats{}, err
	}
	key := item.KeyFor(identifiers...)

	count, err := f.store.Get(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	reset, err := f.store.Expiry(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	remaining := item.Amount - count
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{Reset: reset, Remaining: remaining}, nil
}

func (f *FixedWindow) Clear(ctx context.Context, item Item, identifiers ...string) error {
	return f.store.Clear(ctx, item.KeyFor(identifiers...))
}
