package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/acebridge/acebridge/internal/call"
)

// Server wraps the sipgo stack: the inbound UAS, the upstream registrar
// client and the outbound dialer share one user agent.
type Server struct {
	cfg       Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *Registrar
	dialer    *Dialer
	dialogs   *DialogManager
	router    *Router
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer creates the SIP stack with all handlers registered. vm may be
// nil to disable voicemail diversion.
func NewServer(cfg Config, peers PeerDirectory, manager *call.Manager, vm Voicemail, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.ExternalIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	registrar := NewRegistrar(client, cfg, logger)
	dialer := NewDialer(client, registrar, cfg, logger)
	dialogs := NewDialogManager(logger)
	router := NewRouter(cfg, peers, manager, dialogs, vm, logger)

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		registrar: registrar,
		dialer:    dialer,
		dialogs:   dialogs,
		router:    router,
		logger:    logger,
	}
	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.router.HandleInvite)
	s.srv.OnCancel(s.router.HandleCancel)
	s.srv.OnBye(s.router.HandleBye)
	s.srv.OnAck(s.handleACK)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.router.HandleInfo)
	s.srv.OnMessage(s.router.HandleMessage)
}

// Registrar returns the upstream registration client.
func (s *Server) Registrar() *Registrar { return s.registrar }

// Dialer returns the outbound dialing client.
func (s *Server) Dialer() *Dialer { return s.dialer }

// Dialogs returns the active dialog tracker.
func (s *Server) Dialogs() *DialogManager { return s.dialogs }

// Start begins listening on UDP and TCP. Listener failures after startup
// are logged, not fatal.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.router.baseCtx = ctx

	addr := s.cfg.listenAddr()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the listeners and the registrar refresh loops.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.registrar.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// handleACK confirms a 2xx we sent. The ACK is absorbed; dialog state was
// already established when the 200 went out.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"call_id", callIDValue(req),
		"from", req.From().Address.User,
		"source", req.Source(),
	)
}

// handleOptions answers keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, MESSAGE"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
