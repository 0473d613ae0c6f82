package signal

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acebridge/acebridge/internal/api/middleware"
)

// DefaultAcceptTimeout is how long a callee gets to accept or decline an
// incoming call before it counts as declined.
const DefaultAcceptTimeout = 10 * time.Second

// Server upgrades HTTP requests to signaling WebSocket connections. New
// connections are rate limited per client IP.
type Server struct {
	registry      *Registry
	orch          Orchestrator
	queues        QueueControl
	acceptTimeout time.Duration
	logger        *slog.Logger

	baseCtx  context.Context
	limiter  *middleware.IPRateLimiter
	upgrader websocket.Upgrader
}

// NewServer creates the signaling endpoint. Connections it spawns live
// until their transport closes or ctx is canceled.
func NewServer(ctx context.Context, registry *Registry, orch Orchestrator, queues QueueControl, acceptTimeout time.Duration, logger *slog.Logger) *Server {
	if acceptTimeout <= 0 {
		acceptTimeout = DefaultAcceptTimeout
	}
	if queues == nil {
		queues = NopQueueControl{}
	}
	return &Server{
		registry:      registry,
		orch:          orch,
		queues:        queues,
		acceptTimeout: acceptTimeout,
		logger:        logger.With("component", "signal"),
		baseCtx:       ctx,
		limiter:       middleware.NewIPRateLimiter(middleware.ConnectRateLimitConfig()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Signaling clients are browsers served from anywhere; SIP
			// credentials gate actual use.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		s.logger.Warn("connection rate limit exceeded", "ip", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	c := &Conn{
		ws:            ws,
		registry:      s.registry,
		orch:          s.orch,
		queues:        s.queues,
		acceptTimeout: s.acceptTimeout,
	}
	c.id = s.registry.Add(c)
	c.logger = s.logger.With("conn_id", c.id)
	c.logger.Info("connection established", "ip", ip)

	// The upgrade hijacked the HTTP connection; this handler goroutine is
	// the read loop.
	c.Serve(s.baseCtx)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
