package ticker

import (
	"context"
	"log/slog"
	"time"
)

// Periodically runs task at the given interval until ctx is done. A failed run is logged and the next tick
// tries again.
func Periodically(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task(ctx); err != nil && ctx.Err() == nil {
				logger.Error("periodic task failed", "task", name, "err", err)
			}
		}
	}
}
