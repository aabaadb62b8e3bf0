package limiter

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRecorder captures metrics in memory for assertion.
type MockRecorder struct {
	mu       sync.Mutex
	Counters map[string]float64
	Tags     map[string]map[string]string
	Timings  map[string][]float64
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Counters: make(map[string]float64),
		Tags:     make(map[string]map[string]string),
		Timings:  make(map[string][]float64),
	}
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
	m.Tags[name] = tags
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
}

func TestStrategyMetrics(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRecorder()
	fw := NewFixedWindow(newMemory(t), WithRecorder(mock))
	item := PerMinute(1)

	ok, err := fw.Hit(ctx, item, "user_1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, float64(1), mock.Counters[MetricCalls])
	assert.Equal(t, "allowed", mock.Tags[MetricCalls]["result"])
	assert.Equal(t, StrategyFixedWindow, mock.Tags[MetricCalls]["strategy"])

	timings := mock.Timings[MetricLatency]
	require.Len(t, timings, 1)
	assert.GreaterOrEqual(t, timings[0], float64(0))

	// a denied hit is counted with the denied tag
	ok, err = fw.Hit(ctx, item, "user_1")
	require.NoError(t, err)
	require.False(t, ok)

	assert.Equal(t, float64(2), mock.Counters[MetricCalls])
	assert.Equal(t, "denied", mock.Tags[MetricCalls]["result"])
}

func TestStrategyMetricsDefaultNoop(t *testing.T) {
	// without an explicit recorder the strategies still work
	ctx := context.Background()
	fw := NewFixedWindow(newMemory(t))

	ok, err := fw.Hit(ctx, PerMinute(1), "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrometheusRecorder(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	fw := NewFixedWindow(newMemory(t), WithRecorder(rec))
	item := PerMinute(1)

	for i := 0; i < 3; i++ {
		_, err := fw.Hit(ctx, item, "prom")
		require.NoError(t, err)
	}

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]bool, len(families))
	for _, f := range families {
		byName[f.GetName()] = true
	}
	assert.True(t, byName["ratelimit_calls_total"])
	assert.True(t, byName["ratelimit_call_duration_seconds"])
}
