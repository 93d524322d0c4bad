package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
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
					"accepted", snap.Accepted,
					"registered", snap.Registered,
					"broadcasts", snap.Broadcasts,
					"framing_errors", snap.FramingErr,
					"io_errors", snap.IOErr,
					"conflicts", snap.Conflicts,
					"timeouts", snap.Timeouts,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
