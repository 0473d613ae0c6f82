package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/acebridge/acebridge/internal/database/models"
)

// voicemailMessageRepo implements VoicemailMessageRepository.
type voicemailMessageRepo struct {
	db *DB
}

// NewVoicemailMessageRepository creates a new VoicemailMessageRepository.
func NewVoicemailMessageRepository(db *DB) VoicemailMessageRepository {
	return &voicemailMessageRepo{db: db}
}

// Create inserts a new voicemail message record.
func (r *voicemailMessageRepo) Create(ctx context.Context, msg *models.VoicemailMessage) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO voicemail_messages (message_id, mailbox, caller, file, duration, recorded_at, heard)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.Mailbox, msg.Caller, msg.File, msg.Duration, msg.RecordedAt, msg.Heard,
	)
	if err != nil {
		return fmt.Errorf("inserting voicemail message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetByMessageID returns a message by its message id.
func (r *voicemailMessageRepo) GetByMessageID(ctx context.Context, messageID string) (*models.VoicemailMessage, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, message_id, mailbox, caller, file, duration, recorded_at, heard
		 FROM voicemail_messages WHERE message_id = ?`, messageID,
	))
}

// ListForMailbox returns all messages for a mailbox, newest first.
func (r *voicemailMessageRepo) ListForMailbox(ctx context.Context, mailbox string) ([]models.VoicemailMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, message_id, mailbox, caller, file, duration, recorded_at, heard
		 FROM voicemail_messages WHERE mailbox = ? ORDER BY recorded_at DESC`, mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("listing voicemail messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.VoicemailMessage
	for rows.Next() {
		var m models.VoicemailMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Mailbox, &m.Caller,
			&m.File, &m.Duration, &m.RecordedAt, &m.Heard); err != nil {
			return nil, fmt.Errorf("scanning voicemail message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating voicemail message rows: %w", err)
	}

	return msgs, nil
}

// MarkHeard flags a message as listened to.
func (r *voicemailMessageRepo) MarkHeard(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE voicemail_messages SET heard = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("marking voicemail message heard: %w", err)
	}
	return nil
}

// Delete removes a message record.
func (r *voicemailMessageRepo) Delete(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM voicemail_messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("deleting voicemail message: %w", err)
	}
	return nil
}

// CountUnheard returns the number of unheard messages in a mailbox.
func (r *voicemailMessageRepo) CountUnheard(ctx context.Context, mailbox string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voicemail_messages WHERE mailbox = ? AND heard = 0`,
		mailbox).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unheard voicemail messages: %w", err)
	}
	return count, nil
}

// DeleteExpiredMessages removes messages recorded before cutoff and returns
// the file paths of the deleted rows so callers can remove the media files
// from disk.
func (r *voicemailMessageRepo) DeleteExpiredMessages(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file FROM voicemail_messages WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expired voicemail messages: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning expired voicemail path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired voicemail rows: %w", err)
	}

	if len(paths) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM voicemail_messages WHERE recorded_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("deleting expired voicemail messages: %w", err)
	}

	return paths, nil
}

func (r *voicemailMessageRepo) scanOne(row *sql.Row) (*models.VoicemailMessage, error) {
	var m models.VoicemailMessage
	err := row.Scan(&m.ID, &m.MessageID, &m.Mailbox, &m.Caller,
		&m.File, &m.Duration, &m.RecordedAt, &m.Heard)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning voicemail message: %w", err)
	}
	return &m, nil
}
