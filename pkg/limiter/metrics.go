package limiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names emitted through the MetricsRecorder.
const (
	MetricCalls   = "ratelimit.call"
	MetricLatency = "ratelimit.latency"
)

// MetricsRecorder receives counters and latency observations from the
// strategies. Tags carry the strategy name and whether the hit was allowed.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoopRecorder does nothing. It is the default, so the hot path never has
// to nil-check the recorder.
type NoopRecorder struct{}

func (NoopRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoopRecorder) Observe(name string, value float64, tags map[string]string) {}

// PrometheusRecorder exposes the strategy metrics as prometheus series:
// a calls counter partitioned by strategy and result, and a call duration
// histogram partitioned by strategy.
type PrometheusRecorder struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the metrics with reg and returns the
// recorder. Pass prometheus.DefaultRegisterer for the default registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "calls_total",
			Help:      "Rate limit checks, partitioned by strategy and result.",
		}, []string{"strategy", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimit",
			Name:      "call_duration_seconds",
			Help:      "Latency of rate limit checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
	}
	reg.MustRegister(r.calls, r.latency)
	return r
}

func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	if name == MetricCalls {
		r.calls.WithLabelValues(tags["strategy"], tags["result"]).Add(value)
	}
}

func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	if name == MetricLatency {
		r.latency.WithLabelValues(tags["strategy"]).Observe(value)
	}
}

// recordHit emits the per-hit metrics for a strategy.
func recordHit(rec MetricsRecorder, strategy string, allowed bool, start time.Time) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	rec.Add(MetricCalls, 1, map[string]string{"strategy": strategy, "result": result})
	rec.Observe(MetricLatency, time.Since(start).Seconds(), map[string]string{"strategy": strategy})
}
