package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/acebridge/acebridge/internal/database/models"
)

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

// Create inserts a new session row.
func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, ended_at, duration, end_reason, participants)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.StartedAt, s.EndedAt, s.Duration, s.EndReason, s.Participants,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	s.ID = id
	return nil
}

// Finish marks a session ended and computes its duration from started_at.
func (r *sessionRepo) Finish(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	var startedAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT started_at FROM sessions WHERE session_id = ?`, sessionID).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session start time: %w", err)
	}

	duration := int(endedAt.Sub(startedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, duration = ?
		 WHERE session_id = ? AND ended_at IS NULL`,
		endedAt, reason, duration, sessionID,
	)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

// SetParticipants replaces the stored participant list of a session.
func (r *sessionRepo) SetParticipants(ctx context.Context, sessionID, participants string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET participants = ? WHERE session_id = ?`,
		participants, sessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session participants: %w", err)
	}
	return nil
}

// GetBySessionID returns a session by its media session id.
func (r *sessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, session_id, started_at, ended_at, duration, end_reason, participants
		 FROM sessions WHERE session_id = ?`, sessionID,
	))
}

// List returns sessions matching the filter, along with the total count.
func (r *sessionRepo) List(ctx context.Context, filter SessionListFilter) ([]models.Session, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Participant != "" {
		where += " AND participants LIKE ?"
		args = append(args, "%"+filter.Participant+"%")
	}
	if filter.StartDate != "" {
		where += " AND started_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND started_at <= ?"
		args = append(args, filter.EndDate)
	}
	if filter.Active {
		where += " AND ended_at IS NULL"
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM sessions WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT id, session_id, started_at, ended_at, duration, end_reason, participants
		 FROM sessions WHERE ` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.SessionID, &s.StartedAt, &s.EndedAt,
			&s.Duration, &s.EndReason, &s.Participants); err != nil {
			return nil, 0, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, total, nil
}

func (r *sessionRepo) scanOne(row *sql.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.SessionID, &s.StartedAt, &s.EndedAt,
		&s.Duration, &s.EndReason, &s.Participants)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &s, nil
}
