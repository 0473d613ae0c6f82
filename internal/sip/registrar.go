package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// rejectedError carries the registrar's rejection reason. The reason
// travels to the signaling client verbatim.
type rejectedError struct {
	status int
	reason string
}

func (e *rejectedError) Error() string { return e.reason }

// Registrar keeps extensions registered against the upstream registrar.
// Each extension gets an initial synchronous REGISTER (so rejections reach
// the caller) followed by a background refresh loop.
type Registrar struct {
	client *sipgo.Client
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	regs map[string]*registration
}

type registration struct {
	ext      string
	password string
	cancel   context.CancelFunc
}

// NewRegistrar creates a registrar client on top of an existing SIP client.
func NewRegistrar(client *sipgo.Client, cfg Config, logger *slog.Logger) *Registrar {
	return &Registrar{
		client: client,
		cfg:    cfg,
		logger: logger.With("subsystem", "registrar"),
		regs:   make(map[string]*registration),
	}
}

// Register performs the initial REGISTER for ext and, on success, starts a
// refresh loop that re-registers before the granted expiry lapses.
// Re-registering an extension with a new password replaces the old entry.
func (r *Registrar) Register(ctx context.Context, ext, password string) error {
	granted, err := r.sendRegister(ctx, ext, password, r.cfg.RegisterExpiry)
	if err != nil {
		var rej *rejectedError
		if errors.As(err, &rej) {
			r.logger.Info("registration rejected",
				"ext", ext,
				"status", rej.status,
				"reason", rej.reason,
			)
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if old, ok := r.regs[ext]; ok {
		old.cancel()
	}
	r.regs[ext] = &registration{ext: ext, password: password, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("extension registered upstream", "ext", ext, "expires_in", granted)

	go r.refreshLoop(loopCtx, ext, password, granted)
	return nil
}

// Unregister stops the refresh loop for ext and sends a zero-expiry
// REGISTER upstream. Unknown extensions are ignored.
func (r *Registrar) Unregister(ctx context.Context, ext string) {
	r.mu.Lock()
	reg, ok := r.regs[ext]
	if ok {
		delete(r.regs, ext)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	reg.cancel()

	if _, err := r.sendRegister(ctx, ext, reg.password, 0); err != nil {
		r.logger.Warn("deregistering extension", "ext", ext, "error", err)
	}
}

// Registered reports whether ext currently has an active registration.
func (r *Registrar) Registered(ext string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[ext]
	return ok
}

// credentials returns the password ext registered with. The dialer uses
// it to answer digest challenges on outbound requests.
func (r *Registrar) credentials(ext string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[ext]
	if !ok {
		return "", false
	}
	return reg.password, true
}

// Count returns the number of upstream-registered extensions.
func (r *Registrar) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// Close stops all refresh loops.
func (r *Registrar) Close() {
	r.mu.Lock()
	for _, reg := range r.regs {
		reg.cancel()
	}
	r.regs = make(map[string]*registration)
	r.mu.Unlock()
}

// refreshLoop re-registers ext before each granted expiry lapses, backing
// off on failure. Exits when the registration is canceled.
func (r *Registrar) refreshLoop(ctx context.Context, ext, password string, granted int) {
	bo := newBackoff()
	for {
		// Refresh at 80% of the granted expiry to absorb network delays.
		refresh := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}

		next, err := r.sendRegister(ctx, ext, password, r.cfg.RegisterExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.next()
			r.logger.Error("registration refresh failed",
				"ext", ext,
				"error", err,
				"attempt", bo.attempt,
				"retry_in", delay.String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.reset()
		granted = next
		r.logger.Debug("registration refreshed", "ext", ext, "expires_in", granted)
	}
}

// sendRegister sends one REGISTER with digest auth handling. On success it
// returns the server-granted expiry, which the registrar may have shortened
// from the requested one.
func (r *Registrar) sendRegister(ctx context.Context, ext, password string, expiry int) (int, error) {
	recipientStr := r.cfg.registrarURI()
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)

	// From and To carry the extension's address of record.
	aor := fmt.Sprintf("<sip:%s@%s>", ext, r.cfg.RegistrarHost)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s:%d>", ext, r.cfg.ExternalIP, r.cfg.Port)
	req.AppendHeader(sip.NewHeader("Contact", contactURI))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: ext,
			Password: password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, &rejectedError{status: int(res.StatusCode), reason: res.Reason}
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4);
	// prefer the Contact expires parameter, then the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// parseContactExpires extracts the expires parameter from a Contact header
// value like <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	val := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(val, ";, \t"); end >= 0 {
		val = val[:end]
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}
