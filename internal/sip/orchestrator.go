package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/pipeline"
	"github.com/acebridge/acebridge/internal/signal"
)

// dialTimeout bounds how long an outbound INVITE may ring.
const dialTimeout = 60 * time.Second

// RegistryPeers adapts the signaling registry to the router's peer lookup.
func RegistryPeers(reg *signal.Registry) PeerDirectory {
	return registryPeers{reg: reg}
}

type registryPeers struct{ reg *signal.Registry }

func (p registryPeers) PeerByExtension(ext string) Peer {
	if c := p.reg.ByExtension(ext); c != nil {
		return c
	}
	return nil
}

var _ signal.Orchestrator = (*Orchestrator)(nil)

// Orchestrator is the call-control backend behind the signaling layer. It
// decides whether a dialed target is bridged locally or dialed out over
// SIP, and keeps the SIP side in step with media-session lifecycle.
type Orchestrator struct {
	srv      *Server
	manager  *call.Manager
	registry *signal.Registry
	cfg      Config
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator into the manager's call-finished
// hook so SIP legs get their BYE when a session ends.
func NewOrchestrator(srv *Server, manager *call.Manager, registry *signal.Registry, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		srv:      srv,
		manager:  manager,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}

	prev := manager.OnCallFinished
	manager.OnCallFinished = func(callID, reason string, startedAt time.Time) {
		o.sessionFinished(callID, reason)
		if prev != nil {
			prev(callID, reason, startedAt)
		}
	}
	return o
}

// sessionFinished sends BYE on every SIP dialog still attached to the
// finished media session.
func (o *Orchestrator) sessionFinished(sessionID, reason string) {
	dialogs := o.srv.Dialogs().ForSession(sessionID)
	if len(dialogs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range dialogs {
		o.srv.Dialogs().Remove(d.CallID)
		if err := o.srv.Dialer().Bye(ctx, d); err != nil {
			o.logger.Warn("sending bye after session end",
				"call_id", d.CallID,
				"session_id", sessionID,
				"error", err,
			)
		}
	}
	o.logger.Info("sip legs terminated", "session_id", sessionID, "legs", len(dialogs), "reason", reason)
}

// RegisterExtension registers ext upstream. Rejection reasons travel back
// verbatim.
func (o *Orchestrator) RegisterExtension(ctx context.Context, ext, password string) error {
	return o.srv.Registrar().Register(ctx, ext, password)
}

// dialTarget extracts the user part of a dial string such as "1002",
// "sip:1002" or "sip:1002@pbx.example.com".
func dialTarget(uri string) string {
	t := strings.TrimPrefix(uri, "sip:")
	if at := strings.IndexByte(t, '@'); at >= 0 {
		t = t[:at]
	}
	return t
}

// PlaceCall starts an outbound call. A target whose extension has a free
// local client is bridged entirely in the media pipeline; everything else
// is dialed upstream over SIP. The returned answer completes the caller's
// offer; callee setup continues in the background.
func (o *Orchestrator) PlaceCall(ctx context.Context, conn *signal.Conn, uri, offer string, skipQueue bool) (string, error) {
	target := dialTarget(uri)
	if target == "" {
		return "", errors.New("empty dial target")
	}
	if skipQueue {
		o.logger.Debug("queue bypass requested", "ext", conn.Ext(), "target", target)
	}

	if peer := o.registry.ByExtension(target); peer != nil && !peer.Busy() {
		return o.placeLocal(ctx, conn, peer, target, offer)
	}
	return o.placeSIP(ctx, conn, target, uri, offer)
}

// placeLocal answers the caller immediately and rings the callee's client
// in the background; a decline finishes the session, which reports the
// outcome through the session-stopped notification.
func (o *Orchestrator) placeLocal(ctx context.Context, conn *signal.Conn, peer *signal.Conn, target, offer string) (string, error) {
	sess, err := o.manager.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	answer, err := sess.AddWebRTCParticipant(ctx, conn.Ext(), offer, conn)
	if err != nil {
		sess.Finish(ctx, "setup failed")
		return "", err
	}
	conn.AttachCall(ctx, sess)

	go func() {
		ringCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()

		calleeOffer, err := peer.RequestJoin(ringCtx, conn.Ext(), false)
		if err != nil {
			o.logger.Info("local callee did not answer", "target", target, "error", err)
			sess.Finish(ringCtx, "declined")
			return
		}
		calleeAnswer, err := sess.AddWebRTCParticipant(ringCtx, target, calleeOffer, peer)
		if err != nil {
			o.logger.Error("adding local callee", "target", target, "error", err)
			peer.RejectJoin("media setup failed")
			sess.Finish(ringCtx, "setup failed")
			return
		}
		peer.AttachCall(ringCtx, sess)
		peer.CompleteJoin(calleeAnswer)
	}()

	return answer, nil
}

// placeSIP answers the caller, allocates an RTP leg whose generated offer
// goes out in the INVITE, and completes the leg with the far end's answer.
func (o *Orchestrator) placeSIP(ctx context.Context, conn *signal.Conn, target, uri, offer string) (string, error) {
	sess, err := o.manager.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	answer, err := sess.AddWebRTCParticipant(ctx, conn.Ext(), offer, conn)
	if err != nil {
		sess.Finish(ctx, "setup failed")
		return "", err
	}
	conn.AttachCall(ctx, sess)

	rtpOffer, err := sess.AddRTPParticipant(ctx, target, "", pipeline.RTPOptions{})
	if err != nil {
		sess.Finish(ctx, "setup failed")
		return "", fmt.Errorf("allocating rtp leg: %w", err)
	}
	patched, err := call.PatchAddress(rtpOffer, o.cfg.ExternalIP)
	if err != nil {
		o.logger.Warn("patching rtp offer address", "error", err)
		patched = rtpOffer
	}

	go o.dialOut(conn, sess, target, uri, patched)

	return answer, nil
}

// dialOut runs the blocking INVITE exchange for an outbound call. Failure
// removes the RTP leg, which collapses the session and notifies the caller.
func (o *Orchestrator) dialOut(conn *signal.Conn, sess *call.Call, target, uri, offer string) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	progress := func(status int, reason string) {
		o.logger.Debug("outbound call progress", "target", target, "status", status, "reason", reason)
	}

	dlg, remoteAnswer, err := o.srv.Dialer().Invite(ctx, conn.Ext(), uri, offer, progress)
	if err != nil {
		o.logger.Info("outbound dial failed", "target", target, "error", err)
		if remErr := sess.RemoveParticipant(ctx, target, dialFailureReason(err)); remErr != nil {
			o.logger.Warn("removing failed rtp leg", "error", remErr)
		}
		return
	}

	if err := sess.CompleteRTPAnswer(ctx, target, remoteAnswer); err != nil {
		o.logger.Error("applying remote answer", "target", target, "error", err)
		o.srv.Dialogs().Remove(dlg.CallID)
		if byeErr := o.srv.Dialer().Bye(ctx, dlg); byeErr != nil {
			o.logger.Warn("hanging up unusable dialog", "error", byeErr)
		}
		if remErr := sess.RemoveParticipant(ctx, target, "media failure"); remErr != nil {
			o.logger.Warn("removing failed rtp leg", "error", remErr)
		}
		return
	}

	dlg.SessionID = sess.ID()
	dlg.Address = target
	now := time.Now()
	dlg.AnsweredAt = &now
	o.srv.Dialogs().Add(dlg)

	conn.SetActive()
	conn.SendSIPConfirmed("answered")
	o.logger.Info("outbound call answered",
		"target", target,
		"call_id", dlg.CallID,
		"session_id", sess.ID(),
	)
}

// dialFailureReason maps a dial error to the reason shown to the caller.
func dialFailureReason(err error) string {
	var rej *dialFailedError
	if errors.As(err, &rej) {
		return rej.reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "no answer"
	}
	return "call failed"
}

// Loopback creates a session whose only participant is wired back to
// itself.
func (o *Orchestrator) Loopback(ctx context.Context, conn *signal.Conn, ext, offer string) (string, error) {
	addr := conn.Ext()
	if addr == "" {
		addr = ext
	}
	if addr == "" {
		return "", errors.New("loopback needs an extension")
	}

	sess, err := o.manager.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}

	answer, err := sess.AddWebRTCParticipant(ctx, addr, offer, conn)
	if err != nil {
		sess.Finish(ctx, "setup failed")
		return "", err
	}
	if err := sess.Loopback(ctx, addr); err != nil {
		sess.Finish(ctx, "setup failed")
		return "", fmt.Errorf("wiring loopback: %w", err)
	}
	conn.AttachCall(ctx, sess)

	o.logger.Info("loopback started", "ext", addr, "session_id", sess.ID())
	return answer, nil
}

// Hangup removes conn from its session. The session collapses on its own
// when one participant remains; SIP legs are then torn down by the
// call-finished hook.
func (o *Orchestrator) Hangup(ctx context.Context, conn *signal.Conn) error {
	sess := conn.CurrentCall()
	if sess == nil {
		return nil
	}
	return sess.RemoveParticipant(ctx, conn.Ext(), "hangup")
}

// Hold flips conn's hold state in the media session and mirrors it onto
// any outbound SIP legs with a direction-changing re-INVITE.
func (o *Orchestrator) Hold(ctx context.Context, conn *signal.Conn, hold bool) (bool, error) {
	sess := conn.CurrentCall()
	if sess == nil {
		return false, errors.New("no active call")
	}

	changed, err := sess.Hold(ctx, conn.Ext(), hold)
	if err != nil || !changed {
		return changed, err
	}

	for _, d := range o.srv.Dialogs().ForSession(sess.ID()) {
		if err := o.srv.Dialer().SendHold(ctx, d, hold); err != nil {
			o.logger.Warn("signaling hold on sip leg", "call_id", d.CallID, "error", err)
		}
	}
	return true, nil
}

// InvitePeer rings ext's client and adds it to conn's current session.
func (o *Orchestrator) InvitePeer(ctx context.Context, conn *signal.Conn, ext string) error {
	sess := conn.CurrentCall()
	if sess == nil {
		return errors.New("no active call")
	}
	peer := o.registry.ByExtension(ext)
	if peer == nil {
		return fmt.Errorf("extension %s not connected", ext)
	}
	if peer.Busy() {
		return fmt.Errorf("extension %s busy", ext)
	}

	offer, err := peer.RequestJoin(ctx, conn.Ext(), false)
	if err != nil {
		return err
	}
	answer, err := sess.AddWebRTCParticipant(ctx, ext, offer, peer)
	if err != nil {
		peer.RejectJoin("media setup failed")
		return err
	}
	peer.AttachCall(ctx, sess)
	peer.CompleteJoin(answer)

	o.logger.Info("peer joined session", "ext", ext, "session_id", sess.ID())
	return nil
}

// Transfer hands conn's call to ext. A blind transfer drops conn as soon
// as the target joins; a warm transfer (flagged in the target's invitation)
// keeps conn in the session until it hangs up itself.
func (o *Orchestrator) Transfer(ctx context.Context, conn *signal.Conn, ext string, blind bool) error {
	sess := conn.CurrentCall()
	if sess == nil {
		return errors.New("no active call")
	}
	peer := o.registry.ByExtension(ext)
	if peer == nil {
		return fmt.Errorf("extension %s not connected", ext)
	}
	if peer.Busy() {
		return fmt.Errorf("extension %s busy", ext)
	}

	offer, err := peer.RequestJoin(ctx, conn.Ext(), !blind)
	if err != nil {
		return err
	}
	answer, err := sess.AddWebRTCParticipant(ctx, ext, offer, peer)
	if err != nil {
		peer.RejectJoin("media setup failed")
		return err
	}
	peer.AttachCall(ctx, sess)
	peer.CompleteJoin(answer)

	if blind {
		if err := sess.RemoveParticipant(ctx, conn.Ext(), "transferred"); err != nil {
			o.logger.Warn("removing transferor", "ext", conn.Ext(), "error", err)
		}
		conn.ClearCall()
	}

	o.logger.Info("call transferred",
		"from", conn.Ext(),
		"to", ext,
		"blind", blind,
		"session_id", sess.ID(),
	)
	return nil
}

// ConnectionClosed removes the client from any session it was in and drops
// its upstream registration.
func (o *Orchestrator) ConnectionClosed(ctx context.Context, conn *signal.Conn) {
	if sess := conn.CurrentCall(); sess != nil {
		if err := sess.RemoveParticipant(ctx, conn.Ext(), "connection closed"); err != nil {
			o.logger.Warn("removing disconnected participant", "ext", conn.Ext(), "error", err)
		}
	}
	if ext := conn.Ext(); ext != "" {
		o.srv.Registrar().Unregister(ctx, ext)
	}
}
