package voicemail

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// ExpiredDeleter removes message records past a cutoff and returns the
// file paths of the deleted rows.
type ExpiredDeleter interface {
	DeleteExpiredMessages(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StartCleanupTicker runs a background goroutine that periodically removes
// messages older than retention, deleting their media files from disk.
// The goroutine stops when the context is cancelled.
func StartCleanupTicker(ctx context.Context, store ExpiredDeleter, retention, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("component", "voicemail-cleanup")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				paths, err := store.DeleteExpiredMessages(ctx, time.Now().Add(-retention))
				if err != nil {
					logger.Error("voicemail retention cleanup failed", "error", err)
					continue
				}
				if len(paths) == 0 {
					continue
				}

				logger.Info("voicemail retention cleanup", "deleted", len(paths))

				for _, p := range paths {
					if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
						logger.Warn("failed to remove voicemail file", "path", p, "error", err)
					}
				}
			}
		}
	}()
}
