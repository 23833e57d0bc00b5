package engine

import (
	"context"
	"log/slog"
	"time"
)

// every calls fn once per interval until ctx is cancelled. Errors are
// logged and do not stop the loop.
func every(ctx context.Context, interval time.Duration, name string, logger *slog.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error(name+" failed", "error", err)
			}
		}
	}
}
