package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/manenim/limits-go/pkg/storage"
)

// WindowStats reports the state of one limit's window. Reset is the
// absolute time at which the consumed capacity fully resets or can safely
// be retested; Remaining is the capacity left. Precision is best effort and
// depends on the strategy: fixed window reset is exact, moving window
// remaining is exact, sliding window counter remaining is a weighted
// estimate.
type WindowStats struct {
	Reset     time.Time
	Remaining int64
}

// Strategy is the public rate limiting API. All methods derive the storage
// key from the item and the identifiers, so the same strategy value serves
// any number of limits and subjects concurrently; there is no cross-key
// ordering guarantee.
//
// Methods take a context and are safe to call from any goroutine; whether
// the caller blocks a thread or suspends a task while the storage round
// trip completes is entirely up to the caller.
type Strategy interface {
	// Hit consumes one unit of the limit and reports whether the event is
	// admitted.
	Hit(ctx context.Context, item Item, identifiers ...string) (bool, error)

	// HitN consumes cost units at once. A cost greater than the item's
	// amount is always rejected without touching stored state.
	HitN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error)

	// Test reports whether one unit could be consumed, without consuming.
	Test(ctx context.Context, item Item, identifiers ...string) (bool, error)

	// TestN reports whether cost units could be consumed, without
	// consuming.
	TestN(ctx context.Context, item Item, cost int64, identifiers ...string) (bool, error)

	// Stats returns the reset time and remaining capacity of the window.
	Stats(ctx context.Context, item Item, identifiers ...string) (WindowStats, error)

	// Clear removes the window state, restoring full capacity.
	Clear(ctx context.Context, item Item, identifiers ...string) error
}

// Strategy name tags used by the registry and by metrics.
const (
	StrategyFixedWindow              = "fixed-window"
	StrategyFixedWindowElasticExpiry = "fixed-window-elastic-expiry"
	StrategyMovingWindow             = "moving-window"
	StrategySlidingWindowCounter     = "sliding-window-counter"
)

// StrategyFactory builds a strategy bound to a storage backend.
type StrategyFactory func(store storage.Counter, opts ...Option) (Strategy, error)

// strategies is the explicit dispatch table from strategy tag to
// constructor. A plain map, resolved at call time; no runtime discovery.
var strategies = map[string]StrategyFactory{
	StrategyFixedWindow: func(store storage.Counter, opts ...Option) (Strategy, error) {
		return NewFixedWindow(store, opts...), nil
	},
	StrategyFixedWindowElasticExpiry: func(store storage.Counter, opts ...Option) (Strategy, error) {
		return NewFixedWindowElasticExpiry(store, opts...), nil
	},
	StrategyMovingWindow: func(store storage.Counter, opts ...Option) (Strategy, error) {
		return NewMovingWindow(store, opts...)
	},
	StrategySlidingWindowCounter: func(store storage.Counter, opts ...Option) (Strategy, error) {
		return NewSlidingWindowCounter(store, opts...)
	},
}

// NewStrategy builds the named strategy against the given backend. It fails
// with ErrConfiguration for an unknown name or a backend missing the
// required capability.
func NewStrategy(name string, store storage.Counter, opts ...Option) (Strategy, error) {
	factory, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, name)
	}
	return factory(store, opts...)
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	return out
}

// validateRequest runs the cross-cutting checks shared by every strategy
// method that takes a cost.
func validateRequest(item Item, cost int64) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if cost <= 0 {
		return fmt.Errorf("%w: cost must be positive, got %d", ErrConfiguration, cost)
	}
	return nil
}
