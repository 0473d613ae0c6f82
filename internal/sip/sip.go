// Package sip bridges the WebRTC signaling side to the telephony side:
// upstream REGISTER with digest authentication, outbound INVITE dialing,
// an inbound UAS for calls directed at registered extensions, and the
// orchestration glue that decides how each call is routed through the
// media pipeline.
package sip

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/acebridge/acebridge/internal/call"
)

// Config holds the SIP stack settings.
type Config struct {
	// Host is the local address the UDP and TCP listeners bind to.
	Host string
	// Port is the local SIP port.
	Port int
	// RegistrarHost is the upstream registrar/proxy address.
	RegistrarHost string
	// RegistrarPort is the upstream registrar/proxy port.
	RegistrarPort int
	// ExternalIP is the address stamped into SDP sent to telephony peers.
	ExternalIP string
	// UserAgent is the User-Agent value for outgoing requests.
	UserAgent string
	// RegisterExpiry is the requested registration lifetime in seconds.
	RegisterExpiry int
}

func (c Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) registrarURI() string {
	return fmt.Sprintf("sip:%s:%d", c.RegistrarHost, c.RegistrarPort)
}

// Peer is the signaling-side view of a registered client. The SIP layer
// talks to peers when routing inbound traffic; *signal.Conn satisfies it.
type Peer interface {
	call.Notifier
	Ext() string
	Busy() bool
	CurrentCall() *call.Call
	AttachCall(ctx context.Context, cl *call.Call)
	SetActive()
	ClearCall()
	RequestJoin(ctx context.Context, caller string, warm bool) (string, error)
	CompleteJoin(answer string)
	RejectJoin(message string)
	SendSIPConfirmed(msg string)
	SendNewMessage(msg string)
}

// PeerDirectory resolves extensions to live signaling peers. Returns nil
// when the extension has no connected client.
type PeerDirectory interface {
	PeerByExtension(ext string) Peer
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
