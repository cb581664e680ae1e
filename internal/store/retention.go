package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultRetentionInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// runs older than retention. It stops when ctx is cancelled. A non-positive
// retention disables the worker.
func StartRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, retention, logger)
			case <-ctx.Done():
				logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) {
	deleted, err := repo.DeleteRunsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("Retention worker failed to delete old runs", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("Retention worker deleted old runs", "count", deleted)
	}
}
