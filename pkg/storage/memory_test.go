package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	count, err := m.Incr(ctx, "k", time.Minute, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = m.Incr(ctx, "k", time.Minute, false, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	exp, err := m.Expiry(ctx, "k")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, time.Second)

	require.NoError(t, m.Clear(ctx, "k"))

	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestMemoryCounterExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_, err := m.Incr(ctx, "short", 50*time.Millisecond, false, 3)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	got, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got, "expired counters read as zero")

	// a fresh increment after expiry starts a new window
	count, err := m.Incr(ctx, "short", 50*time.Millisecond, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryCounterElasticExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_, err := m.Incr(ctx, "e", 200*time.Millisecond, true, 1)
	require.NoError(t, err)
	first, err := m.Expiry(ctx, "e")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = m.Incr(ctx, "e", 200*time.Millisecond, true, 1)
	require.NoError(t, err)
	second, err := m.Expiry(ctx, "e")
	require.NoError(t, err)

	assert.True(t, second.After(first))
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithSweepInterval(20 * time.Millisecond))
	defer m.Close()

	_, err := m.Incr(ctx, "gone", 30*time.Millisecond, false, 1)
	require.NoError(t, err)
	_, err = m.Incr(ctx, "kept", time.Minute, false, 1)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	got, err := m.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = m.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestMemoryReset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	_, err := m.Incr(ctx, "a", time.Minute, false, 1)
	require.NoError(t, err)
	_, err = m.Incr(ctx, "b", time.Minute, false, 1)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	for _, key := range []string{"a", "b"} {
		got, err := m.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)
	}
}

func TestMemoryAcquireEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	window := 200 * time.Millisecond

	for i := 0; i < 3; i++ {
		ok, err := m.AcquireEntry(ctx, "mw", 3, window, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := m.AcquireEntry(ctx, "mw", 3, window, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	oldest, count, err := m.MovingWindow(ctx, "mw", 3, window)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.WithinDuration(t, time.Now(), oldest, window)

	time.Sleep(window + 50*time.Millisecond)

	ok, err = m.AcquireEntry(ctx, "mw", 3, window, 3)
	require.NoError(t, err)
	assert.True(t, ok, "all capacity returns once the log ages out")
}

func TestMemoryAcquireEntryAmountTooLarge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	ok, err := m.AcquireEntry(ctx, "mw", 3, time.Minute, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	_, count, err := m.MovingWindow(ctx, "mw", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemorySlidingWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	window := time.Second

	// start right after a bucket boundary so the burst stays in one bucket
	now := time.Now()
	time.Sleep(now.Truncate(window).Add(window + 20*time.Millisecond).Sub(now))

	for i := 0; i < 2; i++ {
		ok, err := m.AcquireSlidingWindowEntry(ctx, "sw", 2, window, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := m.AcquireSlidingWindowEntry(ctx, "sw", 2, window, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := m.SlidingWindow(ctx, "sw", window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.WeightedCount(window))

	require.NoError(t, m.ClearSlidingWindow(ctx, "sw", window))

	state, err = m.SlidingWindow(ctx, "sw", window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.WeightedCount(window))
}

func TestSlidingWindowWeightedCount(t *testing.T) {
	window := time.Minute

	tests := []struct {
		name  string
		state SlidingWindowState
		want  int64
	}{
		{"empty", SlidingWindowState{}, 0},
		{"current only", SlidingWindowState{CurrentCount: 4}, 4},
		{
			"previous at full weight",
			SlidingWindowState{PreviousCount: 10, PreviousTTL: time.Minute, CurrentCount: 2},
			12,
		},
		{
			"previous at half weight",
			SlidingWindowState{PreviousCount: 10, PreviousTTL: 30 * time.Second, CurrentCount: 2},
			7,
		},
		{
			"previous expired",
			SlidingWindowState{PreviousCount: 10, PreviousTTL: 0, CurrentCount: 2},
			2,
		},
		{
			"fraction truncates",
			SlidingWindowState{PreviousCount: 3, PreviousTTL: 20 * time.Second, CurrentCount: 0},
			0, // 3 * (20/60) = 0.999..., floors to 0
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.state.WeightedCount(window))
		})
	}
}

func TestSlidingWindowWeightMonotonic(t *testing.T) {
	// with the previous bucket fixed, the weighted count never increases
	// as its remaining TTL shrinks
	window := time.Minute
	prev := SlidingWindowState{PreviousCount: 100, CurrentCount: 5}

	last := int64(1<<62 - 1)
	for ttl := window; ttl >= 0; ttl -= time.Second {
		prev.PreviousTTL = ttl
		got := prev.WeightedCount(window)
		assert.LessOrEqual(t, got, last, "ttl %v", ttl)
		last = got
	}
	assert.Equal(t, int64(5), last)
}

func TestSlidingWindowKeys(t *testing.T) {
	window := time.Minute
	now := time.Unix(3600, 0)

	previous, current := slidingWindowKeys("base", window, now)
	assert.Equal(t, "base/59", previous)
	assert.Equal(t, "base/60", current)

	// keys advance exactly once per window
	p2, c2 := slidingWindowKeys("base", window, now.Add(59*time.Second))
	assert.Equal(t, previous, p2)
	assert.Equal(t, current, c2)

	p3, c3 := slidingWindowKeys("base", window, now.Add(time.Minute))
	assert.Equal(t, current, p3)
	assert.Equal(t, "base/61", c3)
}
