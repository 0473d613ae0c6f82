package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/acebridge/acebridge/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// Create inserts a new recording record.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (session_id, address, file, started_at)
		 VALUES (?, ?, ?, ?)`,
		rec.SessionID, rec.Address, rec.File, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByID returns a recording by ID, or nil when absent.
func (r *recordingRepo) GetByID(ctx context.Context, id int64) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, address, file, started_at
		 FROM recordings WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.SessionID, &rec.Address, &rec.File, &rec.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return &rec, nil
}

// List returns recordings matching the filter, along with the total count.
func (r *recordingRepo) List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error) {
	where := "1=1"
	args := []any{}

	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Address != "" {
		where += " AND address = ?"
		args = append(args, filter.Address)
	}
	if filter.StartDate != "" {
		where += " AND started_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND started_at <= ?"
		args = append(args, filter.EndDate)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM recordings WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recordings: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT id, session_id, address, file, started_at
		 FROM recordings WHERE ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Address, &rec.File, &rec.StartedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating recording rows: %w", err)
	}

	return recs, total, nil
}

// Count returns the total number of recordings.
func (r *recordingRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recordings: %w", err)
	}
	return count, nil
}

// DeleteExpired removes recording rows older than cutoff and returns the file
// paths of the deleted rows so callers can remove the files from disk.
func (r *recordingRepo) DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file FROM recordings WHERE started_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expired recordings: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning expired recording path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired recording rows: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE started_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("deleting expired recordings: %w", err)
	}

	return paths, nil
}
