package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manenim/limits-go/pkg/limiter"
	"github.com/manenim/limits-go/pkg/storage"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "limits-demo",
		Level: hclog.Info,
	})

	storageURL := os.Getenv("STORAGE_URL")
	if storageURL == "" {
		storageURL = "memory://"
	}
	strategyName := os.Getenv("STRATEGY")
	if strategyName == "" {
		strategyName = limiter.StrategyMovingWindow
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := storage.New(ctx, storageURL)
	cancel()
	if err != nil {
		logger.Error("failed to connect storage", "url", storageURL, "error", err)
		os.Exit(1)
	}

	recorder := limiter.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	l, err := limiter.NewStrategy(strategyName, store, limiter.WithRecorder(recorder))
	if err != nil {
		logger.Error("failed to build strategy", "strategy", strategyName, "error", err)
		os.Exit(1)
	}

	// 5 req/sec per IP
	item := limiter.PerSecond(5)

	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := r.RemoteAddr

		ok, err := l.Hit(ctx, item, "ip", ip)
		if err != nil {
			// fail open: allow traffic when the backend is unreachable
			logger.Warn("limiter error", "error", err)
		} else if !ok {
			stats, serr := l.Stats(ctx, item, "ip", ip)
			if serr == nil {
				retry := time.Until(stats.Reset).Seconds()
				if retry < 0 {
					retry = 0
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retry))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", stats.Remaining))
			}
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limit exceeded\n"))
			return
		}

		w.Write([]byte("Pong!\n"))
	})

	http.Handle("/metrics", promhttp.Handler())

	logger.Info("server listening", "addr", ":8080", "storage", storageURL, "strategy", strategyName)
	if err := http.ListenAndServe(":8080", nil); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
