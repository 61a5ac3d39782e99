// Package retention trims stored event payloads once their sessions are
// old enough that they will not be reprocessed.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Compactor clears payloads of events older than a cutoff.
type Compactor interface {
	CompactBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunOnce compacts events older than maxDays relative to now. A maxDays of
// zero or less does nothing.
func RunOnce(ctx context.Context, c Compactor, maxDays int, now time.Time, logger *slog.Logger) (int64, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -maxDays)
	n, err := c.CompactBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("event retention cleanup", "compacted", n, "max_days", maxDays, "cutoff", cutoff)
	}
	return n, nil
}

// StartCleanupTicker runs a background goroutine that compacts events every
// interval. The goroutine stops when ctx is cancelled.
func StartCleanupTicker(ctx context.Context, c Compactor, maxDays int, interval time.Duration, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	logger = logger.With("subsystem", "retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := RunOnce(ctx, c, maxDays, now, logger); err != nil {
					logger.Error("event retention cleanup failed", "error", err)
				}
			}
		}
	}()
}
