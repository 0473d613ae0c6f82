package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acebridge/acebridge/internal/database"
	"github.com/acebridge/acebridge/internal/database/models"
)

// sessionResponse is the JSON response for a single session.
type sessionResponse struct {
	ID           int64    `json:"id"`
	SessionID    string   `json:"session_id"`
	StartedAt    string   `json:"started_at"`
	EndedAt      *string  `json:"ended_at"`
	Duration     int      `json:"duration"`
	EndReason    string   `json:"end_reason,omitempty"`
	Participants []string `json:"participants"`
	Active       bool     `json:"active"`
}

// toSessionResponse converts a models.Session to the API response.
func toSessionResponse(s *models.Session) sessionResponse {
	resp := sessionResponse{
		ID:        s.ID,
		SessionID: s.SessionID,
		StartedAt: s.StartedAt.Format(time.RFC3339),
		Duration:  s.Duration,
		EndReason: s.EndReason,
		Active:    s.EndedAt == nil,
	}
	if s.EndedAt != nil {
		e := s.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &e
	}
	if s.Participants != "" {
		resp.Participants = strings.Split(s.Participants, ",")
	} else {
		resp.Participants = []string{}
	}
	return resp
}

// handleListSessions returns session history with pagination and filters.
// Query params: limit, offset, participant, start_date, end_date, active.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	for _, f := range []string{"start_date", "end_date"} {
		if errMsg := validateDate(f, q.Get(f)); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	filter := database.SessionListFilter{
		Limit:       pg.Limit,
		Offset:      pg.Offset,
		Participant: q.Get("participant"),
		StartDate:   q.Get("start_date"),
		EndDate:     q.Get("end_date"),
		Active:      q.Get("active") == "true",
	}

	sessions, total, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		slog.Error("list sessions: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]sessionResponse, len(sessions))
	for i := range sessions {
		items[i] = toSessionResponse(&sessions[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetSession returns a single session by its media session id.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.sessions.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		slog.Error("get session: failed to query", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// statResponse is the JSON response for a single endpoint stats snapshot.
type statResponse struct {
	Address   string          `json:"address"`
	Media     string          `json:"media"`
	SampledAt string          `json:"sampled_at"`
	Data      json.RawMessage `json:"data"`
}

// handleSessionStats returns recent endpoint statistics snapshots for a
// session. Query param: limit (default 100).
func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	stats, err := s.stats.ListForSession(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("session stats: failed to query", "error", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]statResponse, len(stats))
	for i, st := range stats {
		items[i] = statResponse{
			Address:   st.Address,
			Media:     st.Media,
			SampledAt: st.SampledAt.Format(time.RFC3339),
			Data:      json.RawMessage(st.Data),
		}
	}

	writeJSON(w, http.StatusOK, items)
}
