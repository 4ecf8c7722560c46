package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/protohackers/speed-daemon/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"observations", snap.Observations,
					"tickets_issued", snap.Tickets,
					"tickets_delivered", snap.Delivered,
					"tickets_deferred", snap.Deferred,
					"tickets_suppressed", snap.Suppressed,
					"malformed_frames", snap.Malformed,
					"rate_limited", snap.RateLimited,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
