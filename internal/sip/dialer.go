package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	sdp "github.com/pion/sdp/v3"
)

// DialProgress is invoked for provisional responses while an outbound
// INVITE is ringing.
type DialProgress func(status int, reason string)

// dialFailedError carries the far end's final rejection.
type dialFailedError struct {
	status int
	reason string
}

func (e *dialFailedError) Error() string {
	return fmt.Sprintf("call failed with status %d %s", e.status, e.reason)
}

// Dialer sends outbound INVITEs and in-dialog requests toward the
// upstream proxy.
type Dialer struct {
	client    *sipgo.Client
	registrar *Registrar
	cfg       Config
	logger    *slog.Logger
}

// NewDialer creates a dialer sharing the registrar's SIP client and
// credential store.
func NewDialer(client *sipgo.Client, registrar *Registrar, cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		client:    client,
		registrar: registrar,
		cfg:       cfg,
		logger:    logger.With("subsystem", "dialer"),
	}
}

// targetURI resolves a dial target to a full SIP URI. Bare extensions go
// through the upstream proxy.
func (d *Dialer) targetURI(target string) string {
	target = strings.TrimPrefix(target, "sip:")
	if strings.Contains(target, "@") {
		return "sip:" + target
	}
	return fmt.Sprintf("sip:%s@%s:%d", target, d.cfg.RegistrarHost, d.cfg.RegistrarPort)
}

// Invite dials target on behalf of fromExt and blocks until the far end
// answers or rejects. 100 Trying is absorbed, 180/183 are reported through
// progress, digest challenges are answered with the extension's registered
// credentials, and the winning 2xx is ACKed before returning. The returned
// dialog is confirmed and ready for in-dialog requests.
func (d *Dialer) Invite(ctx context.Context, fromExt, target, offer string, progress DialProgress) (*Dialog, string, error) {
	recipientStr := d.targetURI(target)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, "", fmt.Errorf("parsing dial target: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	from := fmt.Sprintf("<sip:%s@%s>;tag=%s", fromExt, d.cfg.RegistrarHost, sip.GenerateTagN(16))
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", fromExt, d.cfg.ExternalIP, d.cfg.Port)))
	req.SetBody([]byte(offer))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	d.logger.Debug("sending invite", "from", fromExt, "target", recipientStr)

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, "", fmt.Errorf("sending invite: %w", err)
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, "", ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, "", fmt.Errorf("invite transaction: %w", txErr)
			}
			return nil, "", fmt.Errorf("invite transaction ended without final response")
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			// Absorb.
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if progress != nil {
				progress(int(res.StatusCode), res.Reason)
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authed {
				return nil, "", &dialFailedError{status: int(res.StatusCode), reason: res.Reason}
			}
			authed = true
			authReq, err := d.answerChallenge(req, res, fromExt, recipientStr)
			if err != nil {
				return nil, "", err
			}
			req = authReq
			tx, err = d.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, "", fmt.Errorf("sending authenticated invite: %w", err)
			}

		case res.StatusCode >= 200 && res.StatusCode < 300:
			// The ACK for a 2xx is generated by the UAC core, not the
			// transaction layer (RFC 3261 §13.2.2.4).
			ack := buildACKFor2xx(req, res)
			if err := d.client.WriteRequest(ack); err != nil {
				d.logger.Error("sending ack", "error", err)
			}
			tx.Terminate()

			dlg := &Dialog{
				CallID:    callIDValue(req),
				LocalExt:  fromExt,
				RemoteURI: recipientStr,
				State:     DialogConfirmed,
				LocalSDP:  offer,
				inviteReq: req,
				inviteRes: res,
			}
			return dlg, string(res.Body()), nil

		case res.StatusCode >= 300:
			tx.Terminate()
			return nil, "", &dialFailedError{status: int(res.StatusCode), reason: res.Reason}
		}
	}
}

// answerChallenge clones req with an Authorization header answering the
// digest challenge in res.
func (d *Dialer) answerChallenge(req *sip.Request, res *sip.Response, ext, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	password, ok := d.registrar.credentials(ext)
	if !ok {
		return nil, fmt.Errorf("no registered credentials for %s", ext)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: ext,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// Bye terminates a confirmed dialog. For outbound dialogs the BYE follows
// our INVITE's dialog identifiers; for inbound ones the roles are mirrored
// from the INVITE we answered.
func (d *Dialer) Bye(ctx context.Context, dlg *Dialog) error {
	if dlg.inviteReq == nil {
		return fmt.Errorf("dialog %s has no invite state", dlg.CallID)
	}

	var bye *sip.Request
	if dlg.Inbound {
		bye = buildByeForInbound(dlg.inviteReq, dlg.inviteRes)
	} else {
		bye = buildByeForOutbound(dlg.inviteReq, dlg.inviteRes)
	}

	tx, err := d.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		d.logger.Warn("bye rejected", "call_id", dlg.CallID, "status", res.StatusCode)
	}
	return nil
}

// SendHold sends a re-INVITE on an outbound dialog with the SDP direction
// flipped to sendonly (hold) or sendrecv (resume). The far end's answer is
// absorbed; media routing is handled pipeline-side.
func (d *Dialer) SendHold(ctx context.Context, dlg *Dialog, hold bool) error {
	if dlg.Inbound || dlg.inviteReq == nil || dlg.inviteRes == nil {
		return nil
	}
	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}
	body, err := setSDPDirection(dlg.LocalSDP, direction)
	if err != nil {
		return fmt.Errorf("adjusting sdp direction: %w", err)
	}

	reinvite := dlg.inviteReq.Clone()
	reinvite.RemoveHeader("Via")
	// Target refresh: the remote Contact learned from the 2xx.
	if contact := dlg.inviteRes.Contact(); contact != nil {
		reinvite.Recipient = *contact.Address.Clone()
	}
	if h := dlg.inviteRes.To(); h != nil {
		reinvite.ReplaceHeader(sip.HeaderClone(h))
	}
	reinvite.SetBody([]byte(body))

	tx, err := d.client.TransactionRequest(ctx, reinvite,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return fmt.Errorf("sending hold reinvite: %w", err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return fmt.Errorf("waiting for hold response: %w", err)
		}
		if res.StatusCode < 200 {
			continue
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("hold reinvite rejected with status %d %s", res.StatusCode, res.Reason)
		}
		ack := buildACKFor2xx(reinvite, res)
		if err := d.client.WriteRequest(ack); err != nil {
			d.logger.Error("sending ack for hold reinvite", "error", err)
		}
		dlg.inviteReq = reinvite
		dlg.inviteRes = res
		return nil
	}
}

// setSDPDirection rewrites every media section's direction attribute.
func setSDPDirection(raw, direction string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing sdp: %w", err)
	}
	directions := map[string]bool{
		"sendrecv": true, "sendonly": true, "recvonly": true, "inactive": true,
	}
	for _, md := range desc.MediaDescriptions {
		kept := md.Attributes[:0]
		for _, attr := range md.Attributes {
			if !directions[attr.Key] {
				kept = append(kept, attr)
			}
		}
		md.Attributes = append(kept, sdp.Attribute{Key: direction})
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing sdp: %w", err)
	}
	return string(out), nil
}

// buildACKFor2xx creates the UAC-core ACK for a 2xx response. The
// Request-URI comes from the response Contact when present, otherwise from
// the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response carries the remote tag.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// Same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildByeForOutbound creates a BYE within a dialog where we sent the
// INVITE: From stays ours, To carries the remote tag from the 2xx.
func buildByeForOutbound(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if inviteRes != nil {
		if contact := inviteRes.Contact(); contact != nil {
			recipient = &contact.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if inviteRes != nil {
		if h := inviteRes.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := inviteReq.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.SeqNo++
		cseq.MethodName = sip.BYE
		bye.AppendHeader(cseq)
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	return bye
}

// buildByeForInbound creates a BYE within a dialog where the far end sent
// the INVITE: the roles from their request are mirrored.
func buildByeForInbound(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := inviteReq.Source()
	var target sip.Uri
	if contact := inviteReq.Contact(); contact != nil {
		target = *contact.Address.Clone()
	} else if from := inviteReq.From(); from != nil {
		target = *from.Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, target)

	// Our To (with our tag) becomes From; their From becomes To.
	if inviteRes != nil {
		if to := inviteRes.To(); to != nil {
			from := &sip.FromHeader{Address: *to.Address.Clone(), Params: to.Params.Clone()}
			bye.AppendHeader(from)
		}
	}
	if from := inviteReq.From(); from != nil {
		to := &sip.ToHeader{Address: *from.Address.Clone(), Params: from.Params.Clone()}
		bye.AppendHeader(to)
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(&cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetDestination(recipient)
	return bye
}

// callIDValue extracts the Call-ID header value from a request.
func callIDValue(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
