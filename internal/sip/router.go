package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/pipeline"
)

// Router decides what happens to inbound SIP traffic: calls toward a free
// registered extension ring its signaling client, calls toward a busy or
// absent extension divert to voicemail, and instant messages are relayed
// to the extension's client.
type Router struct {
	cfg     Config
	peers   PeerDirectory
	manager *call.Manager
	dialogs *DialogManager
	vm      Voicemail
	logger  *slog.Logger

	baseCtx context.Context

	mu      sync.Mutex
	ringing map[string]context.CancelFunc
}

// NewRouter creates an inbound router. vm may be nil when voicemail is
// disabled; unanswerable calls are then rejected with 486.
func NewRouter(cfg Config, peers PeerDirectory, manager *call.Manager, dialogs *DialogManager, vm Voicemail, logger *slog.Logger) *Router {
	return &Router{
		cfg:     cfg,
		peers:   peers,
		manager: manager,
		dialogs: dialogs,
		vm:      vm,
		logger:  logger.With("subsystem", "router"),
		baseCtx: context.Background(),
		ringing: make(map[string]context.CancelFunc),
	}
}

// HandleInvite processes an inbound INVITE. It blocks on the callee's
// accept round-trip, so sipgo runs it on its own handler goroutine.
func (r *Router) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	caller := req.From().Address.User
	callee := req.Recipient.User
	offer := string(req.Body())

	r.logger.Info("inbound invite",
		"call_id", callID,
		"caller", caller,
		"callee", callee,
		"source", req.Source(),
	)

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		r.logger.Error("sending trying", "call_id", callID, "error", err)
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()
	r.mu.Lock()
	r.ringing[callID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.ringing, callID)
		r.mu.Unlock()
	}()

	peer := r.peers.PeerByExtension(callee)
	if peer == nil || peer.Busy() {
		r.divertToVoicemail(ctx, req, tx, caller, callee, offer)
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil)); err != nil {
		r.logger.Error("sending ringing", "call_id", callID, "error", err)
	}

	calleeOffer, err := peer.RequestJoin(ctx, caller, false)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			r.respond(req, tx, 487, "Request Terminated")
			return
		}
		r.logger.Info("callee did not take the call",
			"call_id", callID,
			"callee", callee,
			"error", err,
		)
		r.divertToVoicemail(ctx, req, tx, caller, callee, offer)
		return
	}
	if calleeOffer == "" {
		// Accepting without media leaves nothing to bridge.
		peer.RejectJoin("no media offer")
		r.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	r.bridge(ctx, req, tx, peer, caller, callee, offer, calleeOffer)
}

// bridge joins caller and callee into a media session: the callee as a
// WebRTC participant, the caller as an RTP leg fed by the INVITE's offer.
func (r *Router) bridge(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, peer Peer, caller, callee, offer, calleeOffer string) {
	callID := callIDValue(req)

	sess := peer.CurrentCall()
	fresh := false
	if sess == nil {
		var err error
		sess, err = r.manager.Create(ctx)
		if err != nil {
			r.logger.Error("creating session for inbound call", "call_id", callID, "error", err)
			peer.RejectJoin("media setup failed")
			r.respond(req, tx, 500, "Server Internal Error")
			return
		}
		fresh = true
	}

	calleeAnswer, err := sess.AddWebRTCParticipant(ctx, callee, calleeOffer, peer)
	if err != nil {
		r.logger.Error("adding callee to session", "call_id", callID, "error", err)
		peer.RejectJoin("media setup failed")
		if fresh {
			sess.Finish(ctx, "setup failed")
		}
		r.respond(req, tx, 500, "Server Internal Error")
		return
	}
	peer.AttachCall(ctx, sess)
	peer.CompleteJoin(calleeAnswer)

	rtpAnswer, err := sess.AddRTPParticipant(ctx, caller, offer, pipeline.RTPOptions{})
	if err != nil {
		r.logger.Error("adding caller rtp leg", "call_id", callID, "error", err)
		if remErr := sess.RemoveParticipant(ctx, callee, "setup failed"); remErr != nil {
			r.logger.Warn("removing callee after failed bridge", "error", remErr)
		}
		r.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	patched, err := call.PatchAddress(rtpAnswer, r.cfg.ExternalIP)
	if err != nil {
		r.logger.Warn("patching rtp answer address", "call_id", callID, "error", err)
		patched = rtpAnswer
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(patched))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", callee, r.cfg.ExternalIP, r.cfg.Port)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("answering inbound invite", "call_id", callID, "error", err)
		return
	}

	now := time.Now()
	r.dialogs.Add(&Dialog{
		CallID:     callID,
		SessionID:  sess.ID(),
		Address:    caller,
		LocalExt:   callee,
		RemoteURI:  req.From().Address.String(),
		Inbound:    true,
		State:      DialogConfirmed,
		StartedAt:  now,
		AnsweredAt: &now,
		LocalSDP:   patched,
		inviteReq:  req,
		inviteRes:  res,
	})

	r.logger.Info("inbound call bridged",
		"call_id", callID,
		"session_id", sess.ID(),
		"caller", caller,
		"callee", callee,
	)
}

// divertToVoicemail parks the caller in a voicemail flow, or rejects the
// INVITE when voicemail is disabled.
func (r *Router) divertToVoicemail(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, caller, callee, offer string) {
	callID := callIDValue(req)

	if r.vm == nil {
		r.respond(req, tx, 486, "Busy Here")
		return
	}

	answer, session, err := r.vm.Answer(ctx, caller, callee, offer)
	if err != nil {
		r.logger.Error("starting voicemail flow", "call_id", callID, "error", err)
		r.respond(req, tx, 500, "Server Internal Error")
		return
	}

	patched, err := call.PatchAddress(answer, r.cfg.ExternalIP)
	if err != nil {
		r.logger.Warn("patching voicemail answer address", "call_id", callID, "error", err)
		patched = answer
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(patched))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", callee, r.cfg.ExternalIP, r.cfg.Port)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("answering voicemail invite", "call_id", callID, "error", err)
		if hangErr := session.Hangup(context.WithoutCancel(ctx)); hangErr != nil {
			r.logger.Warn("aborting voicemail flow", "error", hangErr)
		}
		return
	}

	now := time.Now()
	r.dialogs.Add(&Dialog{
		CallID:     callID,
		Address:    caller,
		LocalExt:   callee,
		RemoteURI:  req.From().Address.String(),
		Inbound:    true,
		State:      DialogConfirmed,
		StartedAt:  now,
		AnsweredAt: &now,
		LocalSDP:   patched,
		inviteReq:  req,
		inviteRes:  res,
		VM:         session,
	})

	r.logger.Info("caller parked in voicemail",
		"call_id", callID,
		"caller", caller,
		"mailbox", callee,
	)
}

// HandleCancel aborts a still-ringing INVITE.
func (r *Router) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)

	r.mu.Lock()
	cancel, ok := r.ringing[callID]
	r.mu.Unlock()

	if ok {
		cancel()
	}
	r.respond(req, tx, 200, "OK")
}

// HandleBye tears down the dialog's leg: a voicemail flow is aborted, a
// bridged caller is removed from its media session.
func (r *Router) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	r.respond(req, tx, 200, "OK")

	dlg := r.dialogs.Remove(callID)
	if dlg == nil {
		r.logger.Debug("bye for unknown dialog", "call_id", callID)
		return
	}

	ctx := r.baseCtx
	if dlg.VM != nil {
		if err := dlg.VM.Hangup(ctx); err != nil {
			r.logger.Warn("ending voicemail flow", "call_id", callID, "error", err)
		}
		return
	}

	sess := r.manager.Get(dlg.SessionID)
	if sess == nil {
		return
	}
	if err := sess.RemoveParticipant(ctx, dlg.Address, "hangup"); err != nil {
		r.logger.Warn("removing sip leg after bye",
			"call_id", callID,
			"address", dlg.Address,
			"error", err,
		)
	}
}

// HandleInfo delivers DTMF digits to the voicemail flow parked on the
// dialog. Non-DTMF INFO bodies are acknowledged and dropped.
func (r *Router) HandleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)

	ct := req.ContentType()
	if ct == nil {
		r.respond(req, tx, 200, "OK")
		return
	}

	info, err := parseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		r.logger.Debug("info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
		)
		r.respond(req, tx, 200, "OK")
		return
	}
	r.respond(req, tx, 200, "OK")

	dlg := r.dialogs.Get(callID)
	if dlg == nil || dlg.VM == nil {
		return
	}
	r.logger.Debug("dtmf received", "call_id", callID, "signal", info.Signal)
	if err := dlg.VM.HandleDTMF(r.baseCtx, info.Signal); err != nil {
		r.logger.Warn("delivering dtmf", "call_id", callID, "error", err)
	}
}

// HandleMessage relays a SIP MESSAGE body to the target extension's
// signaling client.
func (r *Router) HandleMessage(req *sip.Request, tx sip.ServerTransaction) {
	callee := req.Recipient.User
	peer := r.peers.PeerByExtension(callee)
	if peer == nil {
		r.respond(req, tx, 404, "Not Found")
		return
	}
	peer.SendNewMessage(string(req.Body()))
	r.respond(req, tx, 200, "OK")
	r.logger.Debug("message relayed", "callee", callee, "from", req.From().Address.User)
}

func (r *Router) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send response", "code", code, "error", err)
	}
}
