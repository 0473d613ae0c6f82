package database

import (
	"context"
	"fmt"
	"time"

	"github.com/acebridge/acebridge/internal/database/models"
)

// endpointStatRepo implements EndpointStatRepository.
type endpointStatRepo struct {
	db *DB
}

// NewEndpointStatRepository creates a new EndpointStatRepository.
func NewEndpointStatRepository(db *DB) EndpointStatRepository {
	return &endpointStatRepo{db: db}
}

// BulkInsert stores a batch of stat snapshots in a single transaction.
func (r *endpointStatRepo) BulkInsert(ctx context.Context, stats []models.EndpointStat) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning stats transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO endpoint_stats (session_id, address, media, sampled_at, data)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing stats insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		if _, err := stmt.ExecContext(ctx, s.SessionID, s.Address, s.Media, s.SampledAt, s.Data); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting endpoint stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stats transaction: %w", err)
	}
	return nil
}

// ListForSession returns the most recent snapshots for a session.
func (r *endpointStatRepo) ListForSession(ctx context.Context, sessionID string, limit int) ([]models.EndpointStat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, address, media, sampled_at, data
		 FROM endpoint_stats WHERE session_id = ?
		 ORDER BY sampled_at DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing endpoint stats: %w", err)
	}
	defer rows.Close()

	var stats []models.EndpointStat
	for rows.Next() {
		var s models.EndpointStat
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Address, &s.Media, &s.SampledAt, &s.Data); err != nil {
			return nil, fmt.Errorf("scanning endpoint stat row: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoint stat rows: %w", err)
	}

	return stats, nil
}

// DeleteBefore removes snapshots sampled before cutoff. Stats grow without
// bound otherwise.
func (r *endpointStatRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM endpoint_stats WHERE sampled_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old endpoint stats: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting affected row count: %w", err)
	}
	return n, nil
}
