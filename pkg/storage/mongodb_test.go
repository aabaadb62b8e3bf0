package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newMongoStore(t *testing.T) *Mongo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewMongo(ctx, "mongodb://localhost:27017", WithMongoDatabase("limits_test"))
	if err != nil {
		t.Skipf("Skipping integration test: MongoDB not available (%v)", err)
	}
	t.Cleanup(func() {
		_ = store.Reset(context.Background())
		_ = store.Disconnect(context.Background())
	})
	return store
}

func TestMongoCounter_Integration(t *testing.T) {
	ctx := context.Background()
	store := newMongoStore(t)
	key := testKey("counter")

	count, err := store.Incr(ctx, key, time.Minute, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.Incr(ctx, key, time.Minute, false, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	exp, err := store.Expiry(ctx, key)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	require.NoError(t, store.Clear(ctx, key))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	assert.True(t, store.Check(ctx))
}

func TestMongoCounterWindowRollover_Integration(t *testing.T) {
	// an increment against a logically expired document starts a fresh
	// window even before the TTL monitor removes it
	ctx := context.Background()
	store := newMongoStore(t)
	key := testKey("short")

	count, err := store.Incr(ctx, key, time.Second, false, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), count)

	time.Sleep(1200 * time.Millisecond)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	count, err = store.Incr(ctx, key, time.Second, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMongoMovingWindow_Integration(t *testing.T) {
	ctx := context.Background()
	store := newMongoStore(t)
	key := testKey("mw")

	for i := 0; i < 3; i++ {
		ok, err := store.AcquireEntry(ctx, key, 3, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := store.AcquireEntry(ctx, key, 3, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	oldest, count, err := store.MovingWindow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.WithinDuration(t, time.Now(), oldest, 5*time.Second)
}

func TestMongoSlidingWindow_Integration(t *testing.T) {
	ctx := context.Background()
	store := newMongoStore(t)
	key := testKey("sw")

	for i := 0; i < 2; i++ {
		ok, err := store.AcquireSlidingWindowEntry(ctx, key, 2, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := store.AcquireSlidingWindowEntry(ctx, key, 2, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := store.SlidingWindow(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.WeightedCount(time.Minute))

	require.NoError(t, store.ClearSlidingWindow(ctx, key, time.Minute))

	state, err = store.SlidingWindow(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.WeightedCount(time.Minute))
}

func TestMongoConcurrentSlidingWindow_Integration(t *testing.T) {
	// optimistic concurrency: contended acquires either settle within the
	// retry budget or fail with ErrConcurrentUpdate, and never admit more
	// than the limit
	ctx := context.Background()
	store := newMongoStore(t)
	key := testKey("contended")

	var g errgroup.Group
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			ok, err := store.AcquireSlidingWindowEntry(ctx, key, 10, time.Minute, 1)
			if err != nil {
				if errors.Is(err, ErrConcurrentUpdate) {
					results <- false
					return nil
				}
				return err
			}
			results <- ok
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var admitted int
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.LessOrEqual(t, admitted, 10)
	assert.Greater(t, admitted, 0)
}
