package limiter

// Option configures a strategy.
type Option func(*config)

type config struct {
	recorder MetricsRecorder
}

func newConfig(opts []Option) config {
	cfg := config{recorder: NoopRecorder{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithRecorder injects a metrics backend. The default recorder discards
// everything.
func WithRecorder(r MetricsRecorder) Option {
	return func(c *config) {
		if r != nil {
			c.recorder = r
		}
	}
}
