// Package recording prunes recorded media and endpoint statistics that have
// outlived their retention window.
package recording

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/acebridge/acebridge/internal/database"
)

// Endpoint statistics are diagnostic data and grow quickly at short
// collection intervals, so they are always pruned on a fixed window.
const statsRetention = 7 * 24 * time.Hour

// StartCleanupTicker runs a background goroutine that periodically deletes
// recordings older than retentionDays, removing both the database rows and
// the media files on disk. A retentionDays of 0 keeps recordings forever;
// endpoint statistics are pruned regardless. The goroutine stops when the
// provided context is cancelled.
func StartCleanupTicker(ctx context.Context, recordings database.RecordingRepository, stats database.EndpointStatRepository, retentionDays int, interval time.Duration, logger *slog.Logger) {
	log := logger.With("subsystem", "recording-cleanup")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx, recordings, stats, retentionDays, log)
			}
		}
	}()
}

func sweep(ctx context.Context, recordings database.RecordingRepository, stats database.EndpointStatRepository, retentionDays int, log *slog.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if retentionDays > 0 {
		cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		files, err := recordings.DeleteExpired(sweepCtx, cutoff)
		if err != nil {
			log.Error("failed to delete expired recordings", "error", err)
		}
		for _, f := range files {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove recording file", "file", f, "error", err)
			}
		}
		if len(files) > 0 {
			log.Info("deleted expired recordings", "count", len(files), "retention_days", retentionDays)
		}
	}

	if n, err := stats.DeleteBefore(sweepCtx, time.Now().Add(-statsRetention)); err != nil {
		log.Error("failed to prune endpoint stats", "error", err)
	} else if n > 0 {
		log.Debug("pruned endpoint stats", "rows", n)
	}
}
