// Package models defines the database row types shared by the repositories
// and the HTTP API.
package models

import "time"

// Session is the persisted record of one media session, active or finished.
type Session struct {
	ID           int64
	SessionID    string
	StartedAt    time.Time
	EndedAt      *time.Time
	Duration     int // seconds, 0 while active
	EndReason    string
	Participants string // comma-separated addresses
}

// Recording represents one recording file captured during a session.
type Recording struct {
	ID        int64
	SessionID string
	Address   string
	File      string
	StartedAt time.Time
}

// VoicemailMessage is a message left in a mailbox.
type VoicemailMessage struct {
	ID         int64
	MessageID  string
	Mailbox    string
	Caller     string
	File       string
	Duration   int // seconds
	RecordedAt time.Time
	Heard      bool
}

// EndpointStat is one statistics snapshot from a WebRTC endpoint.
type EndpointStat struct {
	ID        int64
	SessionID string
	Address   string
	Media     string
	SampledAt time.Time
	Data      string // JSON blob as reported by the media server
}
