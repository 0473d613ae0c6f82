package signal

import (
	"encoding/json"
	"fmt"

	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/pipeline"
)

// Every signaling frame is a JSON object whose "id" field names the message
// kind. Inbound frames decode into one concrete struct per kind; unknown
// kinds decode into Unknown and are dropped by the dispatcher.

// RegisterMessage registers the connection as a SIP extension.
type RegisterMessage struct {
	Ext      string `json:"ext"`
	Password string `json:"password"`
	IsAgent  bool   `json:"isAgent"`
}

// CallMessage starts an outbound call to a URI or extension.
type CallMessage struct {
	URI       string `json:"uri"`
	SDP       string `json:"sdp"`
	SkipQueue bool   `json:"skipQueue"`
}

// LoopbackMessage starts an echo call for media diagnostics.
type LoopbackMessage struct {
	Ext string `json:"ext"`
	SDP string `json:"sdp"`
}

// AcceptMessage answers a pending incoming call with the callee's offer.
type AcceptMessage struct {
	Caller string `json:"caller"`
	SDP    string `json:"sdp"`
}

// DeclineMessage rejects a pending incoming call.
type DeclineMessage struct {
	Caller string `json:"caller"`
}

// StopMessage hangs up the current call.
type StopMessage struct {
	RemoveFromQueue bool `json:"removeFromQueue"`
}

// HoldMessage puts the current call on hold.
type HoldMessage struct{}

// UnholdMessage resumes the current call.
type UnholdMessage struct{}

// PrivacyMessage toggles the private-mode media overlay.
type PrivacyMessage struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// ICEMessage carries a trickled ICE candidate from the client.
type ICEMessage struct {
	Candidate pipeline.ICECandidate `json:"candidate"`
}

// InvitePeerMessage pulls another extension into the current call.
type InvitePeerMessage struct {
	Ext string `json:"ext"`
}

// CallTransferMessage transfers the current call to another extension.
type CallTransferMessage struct {
	Ext     string `json:"ext"`
	IsBlind bool   `json:"isBlind"`
}

// SIPReinviteMessage renegotiates media after a SIP re-INVITE.
type SIPReinviteMessage struct {
	SDP string `json:"sdp"`
}

// SIPUpdateMessage renegotiates media after a SIP UPDATE.
type SIPUpdateMessage struct {
	SDP string `json:"sdp"`
}

// RestartCallMessage renegotiates media after an ICE restart.
type RestartCallMessage struct {
	SDP string `json:"sdp"`
}

// StartRecordingMessage starts recording the connection's leg.
type StartRecordingMessage struct{}

// StopRecordingMessage stops recording the connection's leg.
type StopRecordingMessage struct{}

// PauseQueueMessage pauses the agent in its queues.
type PauseQueueMessage struct{}

// UnpauseQueueMessage resumes the agent in its queues.
type UnpauseQueueMessage struct{}

// Unknown is the fallback for unrecognized message kinds.
type Unknown struct {
	ID  string
	Raw json.RawMessage
}

// decodeMessage turns a raw frame into its concrete message struct.
func decodeMessage(data []byte) (any, error) {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	var msg any
	switch env.ID {
	case "register":
		msg = &RegisterMessage{}
	case "call":
		msg = &CallMessage{}
	case "loopback":
		msg = &LoopbackMessage{}
	case "accept":
		msg = &AcceptMessage{}
	case "decline":
		msg = &DeclineMessage{}
	case "stop":
		msg = &StopMessage{}
	case "hold":
		msg = &HoldMessage{}
	case "unhold":
		msg = &UnholdMessage{}
	case "privacy":
		msg = &PrivacyMessage{}
	case "ice":
		msg = &ICEMessage{}
	case "invitePeer":
		msg = &InvitePeerMessage{}
	case "callTransfer":
		msg = &CallTransferMessage{}
	case "sipReinvite":
		msg = &SIPReinviteMessage{}
	case "sipUpdate":
		msg = &SIPUpdateMessage{}
	case "restartCall":
		msg = &RestartCallMessage{}
	case "startRecording":
		msg = &StartRecordingMessage{}
	case "stopRecording":
		msg = &StopRecordingMessage{}
	case "pauseQueue":
		msg = &PauseQueueMessage{}
	case "unpauseQueue":
		msg = &UnpauseQueueMessage{}
	default:
		return &Unknown{ID: env.ID, Raw: data}, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing %q message: %w", env.ID, err)
	}
	return msg, nil
}

// Outbound frames. Each carries its own "id" so marshaling is a plain
// json.Marshal of the struct.

type registerResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type callResponse struct {
	ID        string `json:"id"`
	Response  string `json:"response"`
	SDPAnswer string `json:"sdpAnswer,omitempty"`
	Message   string `json:"message,omitempty"`
}

type incomingCall struct {
	ID             string `json:"id"`
	Caller         string `json:"caller"`
	IsWarmTransfer bool   `json:"isWarmTransfer"`
}

type sdpNotification struct {
	ID  string `json:"id"`
	SDP string `json:"sdp"`
}

type sipConfirmed struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

type sessionStopped struct {
	ID     string `json:"id"`
	SID    string `json:"sid"`
	Ext    string `json:"ext"`
	Reason string `json:"reason,omitempty"`
}

type iceNotification struct {
	ID        string                `json:"id"`
	Candidate pipeline.ICECandidate `json:"candidate"`
}

type boolResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type extResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Ext     string `json:"ext"`
}

type participantList struct {
	ID           string                 `json:"id"`
	Participants []call.ParticipantInfo `json:"participants"`
}

type newMessage struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

type queueEvent struct {
	ID string `json:"id"`
}
