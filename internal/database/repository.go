package database

import (
	"context"
	"time"

	"github.com/acebridge/acebridge/internal/database/models"
)

// SessionListFilter narrows and pages session listings.
type SessionListFilter struct {
	Participant string
	StartDate   string
	EndDate     string
	Active      bool
	Limit       int
	Offset      int
}

// RecordingListFilter narrows and pages recording listings.
type RecordingListFilter struct {
	SessionID string
	Address   string
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// SessionRepository persists media session history.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	Finish(ctx context.Context, sessionID, reason string, endedAt time.Time) error
	SetParticipants(ctx context.Context, sessionID, participants string) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error)
	List(ctx context.Context, filter SessionListFilter) ([]models.Session, int, error)
}

// RecordingRepository manages recording metadata.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id int64) (*models.Recording, error)
	List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error)
	Count(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// VoicemailMessageRepository manages voicemail messages.
type VoicemailMessageRepository interface {
	Create(ctx context.Context, msg *models.VoicemailMessage) error
	GetByMessageID(ctx context.Context, messageID string) (*models.VoicemailMessage, error)
	ListForMailbox(ctx context.Context, mailbox string) ([]models.VoicemailMessage, error)
	MarkHeard(ctx context.Context, messageID string) error
	Delete(ctx context.Context, messageID string) error
	CountUnheard(ctx context.Context, mailbox string) (int, error)
	DeleteExpiredMessages(ctx context.Context, cutoff time.Time) ([]string, error)
}

// EndpointStatRepository stores endpoint statistics snapshots.
type EndpointStatRepository interface {
	BulkInsert(ctx context.Context, stats []models.EndpointStat) error
	ListForSession(ctx context.Context, sessionID string, limit int) ([]models.EndpointStat, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
