package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// DialogState is the lifecycle state of a SIP dialog.
type DialogState string

const (
	DialogRinging    DialogState = "ringing"
	DialogConfirmed  DialogState = "confirmed"
	DialogTerminated DialogState = "terminated"
)

// DTMFSink receives keypad digits arriving on a dialog, typically the
// voicemail flow the caller is parked in.
type DTMFSink interface {
	HandleDTMF(ctx context.Context, digit string) error
}

// VoicemailSession is a running voicemail flow bound to one caller.
type VoicemailSession interface {
	DTMFSink
	// Hangup aborts the flow and releases its media resources.
	Hangup(ctx context.Context) error
}

// Voicemail answers calls that no signaling client can take.
type Voicemail interface {
	// Answer starts a voicemail flow for caller's INVITE offer addressed
	// to callee. It returns the media answer and the running session.
	Answer(ctx context.Context, caller, callee, offer string) (string, VoicemailSession, error)
}

// Dialog is one SIP leg tied to a media session participant. Outbound
// dialogs (we are the UAC) store the INVITE we sent and the remote 2xx;
// inbound dialogs (we are the UAS) store the INVITE we received and the
// 2xx we answered with.
type Dialog struct {
	// CallID is the SIP Call-ID shared by all requests in the dialog.
	CallID string

	// SessionID is the media session this leg belongs to. Empty for
	// voicemail legs, which own a dedicated pipeline instead.
	SessionID string

	// Address is the leg's participant address inside the media session.
	Address string

	// LocalExt is the extension this leg acts for.
	LocalExt string

	// RemoteURI is the far end's SIP URI.
	RemoteURI string

	// Inbound marks dialogs where the far end sent the INVITE.
	Inbound bool

	State      DialogState
	StartedAt  time.Time
	AnsweredAt *time.Time

	// LocalSDP is the last SDP we sent on this leg, reused when building
	// hold re-INVITEs.
	LocalSDP string

	inviteReq *sip.Request
	inviteRes *sip.Response

	// VM is the voicemail flow parked on this dialog, or nil.
	VM VoicemailSession
}

// DialogManager tracks active SIP dialogs by Call-ID.
type DialogManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*Dialog
}

// NewDialogManager creates an empty dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		logger:  logger.With("subsystem", "dialogs"),
		dialogs: make(map[string]*Dialog),
	}
}

// Add registers a dialog under its Call-ID.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	dm.dialogs[d.CallID] = d
	dm.mu.Unlock()
	dm.logger.Debug("dialog created",
		"call_id", d.CallID,
		"ext", d.LocalExt,
		"inbound", d.Inbound,
	)
}

// Get returns the dialog for callID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.dialogs[callID]
}

// Remove drops callID from tracking and returns the dialog, or nil when
// unknown. The caller owns any protocol-level teardown.
func (dm *DialogManager) Remove(callID string) *Dialog {
	dm.mu.Lock()
	d, ok := dm.dialogs[callID]
	if ok {
		delete(dm.dialogs, callID)
		d.State = DialogTerminated
	}
	dm.mu.Unlock()
	if !ok {
		return nil
	}
	dm.logger.Debug("dialog removed", "call_id", callID)
	return d
}

// ForSession returns all dialogs attached to a media session.
func (dm *DialogManager) ForSession(sessionID string) []*Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var out []*Dialog
	for _, d := range dm.dialogs {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of active dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.dialogs)
}
