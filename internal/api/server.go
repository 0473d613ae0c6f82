// Package api serves the read-side HTTP API: session history, endpoint
// statistics, recordings and voicemail. Live call control happens over the
// signaling WebSocket, not here.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/acebridge/acebridge/internal/api/middleware"
	"github.com/acebridge/acebridge/internal/call"
	"github.com/acebridge/acebridge/internal/config"
	"github.com/acebridge/acebridge/internal/database"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	manager    *call.Manager
	sessions   database.SessionRepository
	recordings database.RecordingRepository
	voicemail  database.VoicemailMessageRepository
	stats      database.EndpointStatRepository

	signal  http.Handler // WebSocket signaling endpoint
	metrics http.Handler // Prometheus scrape endpoint

	authSecret  []byte
	limiter     *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. signal and
// metrics may be nil; their routes are skipped.
func NewServer(
	cfg *config.Config,
	manager *call.Manager,
	sessions database.SessionRepository,
	recordings database.RecordingRepository,
	voicemail database.VoicemailMessageRepository,
	stats database.EndpointStatRepository,
	signal http.Handler,
	metrics http.Handler,
	authSecret []byte,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		manager:     manager,
		sessions:    sessions,
		recordings:  recordings,
		voicemail:   voicemail,
		stats:       stats,
		signal:      signal,
		metrics:     metrics,
		authSecret:  authSecret,
		limiter:     middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases resources held by the server's middleware.
func (s *Server) Close() {
	s.limiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	// The signaling WebSocket and the metrics endpoint sit outside the
	// JSON API. Connection-level auth for signaling happens in-protocol
	// via the register operation.
	if s.signal != nil {
		r.Handle("/ws", s.signal)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		// Unauthenticated routes. Token issuance gets a tighter limit
		// since it is the brute-force target.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.authLimiter)).Post("/auth/token", s.handleIssueToken)

		// Everything else requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.authSecret))

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Get("/stats", s.handleSessionStats)
				})
			})

			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleListRecordings)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRecording)
					r.Get("/audio", s.handleStreamRecording)
					r.Get("/download", s.handleDownloadRecording)
				})
			})

			r.Route("/voicemail/{mailbox}", func(r chi.Router) {
				r.Get("/messages", s.handleListVoicemail)
				r.Route("/messages/{msgID}", func(r chi.Router) {
					r.Get("/audio", s.handleVoicemailAudio)
					r.Put("/read", s.handleMarkVoicemailRead)
					r.Delete("/", s.handleDeleteVoicemail)
				})
			})
		})
	})
}

// handleHealth reports process liveness and the active session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
	}
	if s.manager != nil {
		resp["active_sessions"] = s.manager.ActiveCalls()
	}
	writeJSON(w, http.StatusOK, resp)
}

// tokenRequest is the body of POST /auth/token.
type tokenRequest struct {
	Extension string `json:"extension"`
	Secret    string `json:"secret"`
}

// handleIssueToken exchanges the shared API secret for a bearer token bound
// to an extension.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateExtension("extension", req.Extension); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Secret != s.cfg.APISecret {
		writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.authSecret, req.Extension)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}
