// Package signal implements the client signaling layer: a WebSocket
// endpoint speaking a JSON message protocol, one Conn per client with
// strict in-order dispatch, and a Registry mapping registered extensions to
// their connections.
package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/pipeline"
)

var (
	// ErrDeclined means the callee declined an incoming call, or let the
	// accept window expire.
	ErrDeclined = errors.New("call declined")
	// ErrJoinPending means the connection already has an incoming call
	// waiting for accept or decline.
	ErrJoinPending = errors.New("incoming call already pending")
)

// RegState is the connection's registration state.
type RegState int

const (
	RegNone RegState = iota
	RegPending
	RegDone
)

// CallState is the connection-local call state.
type CallState int

const (
	CallIdle CallState = iota
	CallConnecting
	CallActive
)

// Orchestrator is the call-control backend a Conn delegates to: SIP
// registration, dialing and teardown plus the bridging decisions that
// involve more than this one connection.
type Orchestrator interface {
	// RegisterExtension registers ext against the upstream SIP registrar.
	// The returned error's message carries the upstream reason verbatim.
	RegisterExtension(ctx context.Context, ext, password string) error
	// PlaceCall starts an outbound call for conn and returns the media
	// answer for the client's offer.
	PlaceCall(ctx context.Context, conn *Conn, uri, offer string, skipQueue bool) (string, error)
	// Loopback starts an echo call for conn.
	Loopback(ctx context.Context, conn *Conn, ext, offer string) (string, error)
	// Hangup ends conn's current call and its telephony legs.
	Hangup(ctx context.Context, conn *Conn) error
	// Hold changes hold state on both the media and SIP sides. The bool
	// reports whether anything changed.
	Hold(ctx context.Context, conn *Conn, hold bool) (bool, error)
	// InvitePeer pulls another extension into conn's current call.
	InvitePeer(ctx context.Context, conn *Conn, ext string) error
	// Transfer hands conn's call over to another extension.
	Transfer(ctx context.Context, conn *Conn, ext string, blind bool) error
	// ConnectionClosed is invoked once when conn's transport goes away.
	ConnectionClosed(ctx context.Context, conn *Conn)
}

// QueueControl manages agent queue membership. The concrete backend is
// external; a no-op implementation ships for deployments without queues.
type QueueControl interface {
	AddAgent(ctx context.Context, ext string) error
	RemoveAgent(ctx context.Context, ext string) error
	Pause(ctx context.Context, ext string) error
	Unpause(ctx context.Context, ext string) error
}

// NopQueueControl ignores all queue operations.
type NopQueueControl struct{}

func (NopQueueControl) AddAgent(context.Context, string) error    { return nil }
func (NopQueueControl) RemoveAgent(context.Context, string) error { return nil }
func (NopQueueControl) Pause(context.Context, string) error       { return nil }
func (NopQueueControl) Unpause(context.Context, string) error     { return nil }

type joinAnswer struct {
	sdp      string
	declined bool
}

type pendingJoin struct {
	caller string
	result chan joinAnswer
}

// Conn is one signaling client. Messages are dispatched inline from the
// read loop, so handlers for a single connection never run concurrently;
// everything shared with other goroutines (notifier callbacks, incoming
// call round-trips) is guarded by mu.
type Conn struct {
	id            string
	ws            *websocket.Conn
	logger        *slog.Logger
	registry      *Registry
	orch          Orchestrator
	queues        QueueControl
	acceptTimeout time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	regState    RegState
	callState   CallState
	ext         string
	isAgent     bool
	queuePaused bool
	cur         *call.Call
	earlyICE    []pipeline.ICECandidate
	pending     *pendingJoin
}

// ID returns the connection's registry identifier.
func (c *Conn) ID() string { return c.id }

// Ext returns the extension this connection registered, or "".
func (c *Conn) Ext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ext
}

// Registered reports whether SIP registration completed.
func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regState == RegDone
}

// Busy reports whether the connection is in a call or setting one up.
func (c *Conn) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callState != CallIdle
}

// IsAgent reports whether the connection registered as a queue agent.
func (c *Conn) IsAgent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAgent
}

// CurrentCall returns the call this connection participates in, or nil.
func (c *Conn) CurrentCall() *call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// AttachCall binds the connection to a call and flushes ICE candidates
// buffered before the call existed.
func (c *Conn) AttachCall(ctx context.Context, cl *call.Call) {
	c.mu.Lock()
	c.cur = cl
	if c.callState == CallIdle {
		c.callState = CallConnecting
	}
	buffered := c.earlyICE
	c.earlyICE = nil
	ext := c.ext
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := cl.AddICECandidate(ctx, ext, cand); err != nil {
			c.logger.Warn("flushing buffered ice candidate", "error", err)
		}
	}
}

// SetActive marks call setup as complete.
func (c *Conn) SetActive() {
	c.mu.Lock()
	c.callState = CallActive
	c.mu.Unlock()
}

// ClearCall detaches the connection from its call and returns to idle.
func (c *Conn) ClearCall() {
	c.mu.Lock()
	c.cur = nil
	c.callState = CallIdle
	c.mu.Unlock()
}

// RequestJoin offers an incoming call to this connection and waits for the
// client to accept (returning its SDP offer) or decline. Silence beyond the
// accept timeout counts as a decline. The warm flag marks a warm-transfer
// invitation.
func (c *Conn) RequestJoin(ctx context.Context, caller string, warm bool) (string, error) {
	pj := &pendingJoin{caller: caller, result: make(chan joinAnswer, 1)}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return "", ErrJoinPending
	}
	c.pending = pj
	c.mu.Unlock()

	c.send(incomingCall{ID: "incomingCall", Caller: caller, IsWarmTransfer: warm})

	timer := time.NewTimer(c.acceptTimeout)
	defer timer.Stop()

	select {
	case ans := <-pj.result:
		if ans.declined {
			return "", ErrDeclined
		}
		return ans.sdp, nil
	case <-timer.C:
		c.clearPending(pj)
		return "", ErrDeclined
	case <-ctx.Done():
		c.clearPending(pj)
		return "", ctx.Err()
	}
}

func (c *Conn) clearPending(pj *pendingJoin) {
	c.mu.Lock()
	if c.pending == pj {
		c.pending = nil
	}
	c.mu.Unlock()
}

// CompleteJoin confirms an accepted incoming call with the media answer.
func (c *Conn) CompleteJoin(answer string) {
	c.SetActive()
	c.send(callResponse{ID: "callResponse", Response: "accepted", SDPAnswer: answer})
}

// RejectJoin reports a failed call setup after the client accepted.
func (c *Conn) RejectJoin(message string) {
	c.ClearCall()
	c.send(callResponse{ID: "callResponse", Response: "rejected", Message: message})
}

// Serve runs the read loop until the transport closes, then cleans up the
// connection's registry entry, call membership and queue membership.
func (c *Conn) Serve(ctx context.Context) {
	defer c.cleanup(ctx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection read failed", "error", err)
			}
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) cleanup(ctx context.Context) {
	c.mu.Lock()
	ext := c.ext
	isAgent := c.isAgent
	pj := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pj != nil {
		pj.result <- joinAnswer{declined: true}
	}

	c.registry.Remove(c.id)
	c.orch.ConnectionClosed(ctx, c)

	if isAgent && ext != "" {
		if err := c.queues.RemoveAgent(ctx, ext); err != nil {
			c.logger.Warn("removing agent from queues", "ext", ext, "error", err)
		}
	}

	_ = c.ws.Close()
	c.logger.Info("connection closed", "ext", ext)
}

// dispatch handles one decoded message. Runs inline on the read loop, so
// per-connection ordering is the arrival order.
func (c *Conn) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case *RegisterMessage:
		c.handleRegister(ctx, m)
	case *CallMessage:
		c.handleCall(ctx, m)
	case *LoopbackMessage:
		c.handleLoopback(ctx, m)
	case *AcceptMessage:
		c.handleAccept(m)
	case *DeclineMessage:
		c.handleDecline(m)
	case *StopMessage:
		c.handleStop(ctx, m)
	case *HoldMessage:
		c.handleHold(ctx, true)
	case *UnholdMessage:
		c.handleHold(ctx, false)
	case *PrivacyMessage:
		c.handlePrivacy(ctx, m)
	case *ICEMessage:
		c.handleICE(ctx, m)
	case *InvitePeerMessage:
		c.handleInvitePeer(ctx, m)
	case *CallTransferMessage:
		c.handleTransfer(ctx, m)
	case *SIPReinviteMessage:
		c.handleRenegotiate(ctx, m.SDP, "sipReinviteResponse")
	case *SIPUpdateMessage:
		c.handleRenegotiate(ctx, m.SDP, "sipUpdateResponse")
	case *RestartCallMessage:
		c.handleRestart(ctx, m)
	case *StartRecordingMessage:
		c.handleRecording(ctx, true)
	case *StopRecordingMessage:
		c.handleRecording(ctx, false)
	case *PauseQueueMessage:
		c.handleQueuePause(ctx, true)
	case *UnpauseQueueMessage:
		c.handleQueuePause(ctx, false)
	case *Unknown:
		c.logger.Warn("dropping unrecognized message", "kind", m.ID)
	}
}

func (c *Conn) handleRegister(ctx context.Context, m *RegisterMessage) {
	c.mu.Lock()
	if c.regState != RegNone {
		c.mu.Unlock()
		c.send(registerResponse{ID: "registerResponse", Error: "already registered"})
		return
	}
	c.regState = RegPending
	c.mu.Unlock()

	if err := c.orch.RegisterExtension(ctx, m.Ext, m.Password); err != nil {
		c.mu.Lock()
		c.regState = RegNone
		c.mu.Unlock()
		// The upstream rejection reason travels to the client verbatim.
		c.send(registerResponse{ID: "registerResponse", Error: err.Error()})
		c.logger.Info("registration failed", "ext", m.Ext, "error", err)
		return
	}

	c.mu.Lock()
	c.regState = RegDone
	c.ext = m.Ext
	c.isAgent = m.IsAgent
	c.mu.Unlock()

	c.registry.BindExtension(m.Ext, c.id)
	c.send(registerResponse{ID: "registerResponse"})

	if m.IsAgent {
		if err := c.queues.AddAgent(ctx, m.Ext); err != nil {
			c.logger.Warn("adding agent to queues", "ext", m.Ext, "error", err)
		}
	}
	c.logger.Info("extension registered", "ext", m.Ext, "agent", m.IsAgent)
}

func (c *Conn) handleCall(ctx context.Context, m *CallMessage) {
	c.mu.Lock()
	if c.regState != RegDone {
		c.mu.Unlock()
		c.send(callResponse{ID: "callResponse", Response: "rejected", Message: "not registered"})
		return
	}
	if c.callState != CallIdle {
		// Double-dial guard: drop silently rather than disturb the
		// in-progress call.
		c.mu.Unlock()
		c.logger.Warn("dropping call request while busy", "uri", m.URI)
		return
	}
	c.callState = CallConnecting
	c.mu.Unlock()

	answer, err := c.orch.PlaceCall(ctx, c, m.URI, m.SDP, m.SkipQueue)
	if err != nil {
		c.ClearCall()
		c.send(callResponse{ID: "callResponse", Response: "rejected", Message: err.Error()})
		c.logger.Info("call setup failed", "uri", m.URI, "error", err)
		return
	}
	c.SetActive()
	c.send(callResponse{ID: "callResponse", Response: "accepted", SDPAnswer: answer})
}

func (c *Conn) handleLoopback(ctx context.Context, m *LoopbackMessage) {
	c.mu.Lock()
	if c.callState != CallIdle {
		c.mu.Unlock()
		c.logger.Warn("dropping loopback request while busy")
		return
	}
	c.callState = CallConnecting
	c.mu.Unlock()

	answer, err := c.orch.Loopback(ctx, c, m.Ext, m.SDP)
	if err != nil {
		c.ClearCall()
		c.send(callResponse{ID: "callResponse", Response: "rejected", Message: err.Error()})
		return
	}
	c.SetActive()
	c.send(callResponse{ID: "callResponse", Response: "accepted", SDPAnswer: answer})
}

func (c *Conn) handleAccept(m *AcceptMessage) {
	c.mu.Lock()
	pj := c.pending
	if pj == nil || pj.caller != m.Caller {
		c.mu.Unlock()
		c.logger.Warn("dropping accept with no matching incoming call", "caller", m.Caller)
		return
	}
	c.pending = nil
	c.callState = CallConnecting
	c.mu.Unlock()

	pj.result <- joinAnswer{sdp: m.SDP}
}

func (c *Conn) handleDecline(m *DeclineMessage) {
	c.mu.Lock()
	pj := c.pending
	if pj == nil || pj.caller != m.Caller {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	pj.result <- joinAnswer{declined: true}
}

func (c *Conn) handleStop(ctx context.Context, m *StopMessage) {
	if err := c.orch.Hangup(ctx, c); err != nil {
		c.logger.Warn("hangup failed", "error", err)
	}
	c.ClearCall()

	if m.RemoveFromQueue {
		c.mu.Lock()
		ext, isAgent := c.ext, c.isAgent
		c.mu.Unlock()
		if isAgent && ext != "" {
			if err := c.queues.RemoveAgent(ctx, ext); err != nil {
				c.logger.Warn("removing agent from queues", "ext", ext, "error", err)
			}
		}
	}
}

func (c *Conn) handleHold(ctx context.Context, hold bool) {
	id := "holdResult"
	if !hold {
		id = "unholdResult"
	}
	changed, err := c.orch.Hold(ctx, c, hold)
	if err != nil {
		c.logger.Warn("hold change failed", "hold", hold, "error", err)
	}
	c.send(boolResult{ID: id, Success: err == nil && changed})
}

func (c *Conn) handlePrivacy(ctx context.Context, m *PrivacyMessage) {
	cur := c.CurrentCall()
	if cur == nil {
		return
	}
	if err := cur.SetPrivateMode(ctx, c.Ext(), m.Enabled, m.URL); err != nil {
		c.logger.Warn("changing private mode", "enabled", m.Enabled, "error", err)
	}
}

func (c *Conn) handleICE(ctx context.Context, m *ICEMessage) {
	c.mu.Lock()
	cur := c.cur
	ext := c.ext
	if cur == nil {
		// No call yet: buffer until AttachCall, preserving arrival order.
		c.earlyICE = append(c.earlyICE, m.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := cur.AddICECandidate(ctx, ext, m.Candidate); err != nil {
		c.logger.Warn("adding ice candidate", "error", err)
	}
}

func (c *Conn) handleInvitePeer(ctx context.Context, m *InvitePeerMessage) {
	err := c.orch.InvitePeer(ctx, c, m.Ext)
	if err != nil {
		c.logger.Info("peer invite failed", "ext", m.Ext, "error", err)
	}
	c.send(extResult{ID: "inviteResponse", Success: err == nil, Ext: m.Ext})
}

func (c *Conn) handleTransfer(ctx context.Context, m *CallTransferMessage) {
	err := c.orch.Transfer(ctx, c, m.Ext, m.IsBlind)
	if err != nil {
		c.logger.Info("transfer failed", "ext", m.Ext, "blind", m.IsBlind, "error", err)
	}
	c.send(extResult{ID: "callTransferResponse", Success: err == nil, Ext: m.Ext})
}

func (c *Conn) handleRenegotiate(ctx context.Context, offer, responseID string) {
	cur := c.CurrentCall()
	ext := c.Ext()
	if cur == nil {
		c.send(extResult{ID: responseID, Success: false, Ext: ext})
		return
	}
	answer, err := cur.Renegotiate(ctx, ext, offer, c)
	if err != nil {
		c.logger.Warn("renegotiation failed", "error", err)
	} else {
		c.send(sdpNotification{ID: "sdp", SDP: answer})
	}
	c.send(extResult{ID: responseID, Success: err == nil, Ext: ext})
}

func (c *Conn) handleRestart(ctx context.Context, m *RestartCallMessage) {
	cur := c.CurrentCall()
	if cur == nil {
		c.send(boolResult{ID: "restartCallResponse", Success: false})
		return
	}
	answer, err := cur.Renegotiate(ctx, c.Ext(), m.SDP, c)
	if err != nil {
		c.logger.Warn("call restart failed", "error", err)
	} else {
		c.send(sdpNotification{ID: "sdp", SDP: answer})
	}
	c.send(boolResult{ID: "restartCallResponse", Success: err == nil})
}

func (c *Conn) handleRecording(ctx context.Context, start bool) {
	id := "startedRecording"
	if !start {
		id = "stoppedRecording"
	}
	cur := c.CurrentCall()
	if cur == nil {
		c.send(boolResult{ID: id, Success: false})
		return
	}
	ok, err := cur.ToggleRecording(ctx, c.Ext(), start)
	if err != nil {
		c.logger.Warn("toggling recording", "start", start, "error", err)
	}
	c.send(boolResult{ID: id, Success: err == nil && ok})
}

func (c *Conn) handleQueuePause(ctx context.Context, pause bool) {
	c.mu.Lock()
	ext := c.ext
	c.mu.Unlock()

	var err error
	if pause {
		err = c.queues.Pause(ctx, ext)
	} else {
		err = c.queues.Unpause(ctx, ext)
	}
	if err != nil {
		c.logger.Warn("changing queue pause state", "pause", pause, "error", err)
		return
	}
	c.mu.Lock()
	c.queuePaused = pause
	c.mu.Unlock()

	if pause {
		c.send(queueEvent{ID: "pausedQueue"})
	} else {
		c.send(queueEvent{ID: "unpausedQueue"})
	}
}

// send serializes a frame to the client. Write failures are logged; the
// read loop notices the dead transport and tears the connection down.
func (c *Conn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		c.logger.Debug("writing to client", "error", err)
	}
}

// SendICECandidate relays a server-gathered candidate to the client.
func (c *Conn) SendICECandidate(cand pipeline.ICECandidate) {
	c.send(iceNotification{ID: "ice", Candidate: cand})
}

// SendParticipantList pushes the current participant roster.
func (c *Conn) SendParticipantList(list []call.ParticipantInfo) {
	c.send(participantList{ID: "participantList", Participants: list})
}

// SendSessionStopped tells the client its call ended and resets the
// connection's call state.
func (c *Conn) SendSessionStopped(sessionID, ext, reason string) {
	c.ClearCall()
	c.send(sessionStopped{ID: "sessionStopped", SID: sessionID, Ext: ext, Reason: reason})
}

// SendSIPConfirmed relays SIP dialog confirmation.
func (c *Conn) SendSIPConfirmed(msg string) {
	c.send(sipConfirmed{ID: "sipConfirmed", Msg: msg})
}

// SendNewMessage relays an instant message received over SIP.
func (c *Conn) SendNewMessage(msg string) {
	c.send(newMessage{ID: "newMessage", Msg: msg})
}
