package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acebridge/acebridge/internal/api/middleware"
	"github.com/acebridge/acebridge/internal/config"
	"github.com/acebridge/acebridge/internal/database"
	"github.com/acebridge/acebridge/internal/database/models"
)

var testAPISecret = []byte("0123456789abcdef0123456789abcdef")

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{APISecret: "shared-secret"}
	srv := NewServer(
		cfg,
		nil,
		database.NewSessionRepository(db),
		database.NewRecordingRepository(db),
		database.NewVoicemailMessageRepository(db),
		database.NewEndpointStatRepository(db),
		nil,
		nil,
		testAPISecret,
	)
	t.Cleanup(srv.Close)
	return srv, db
}

func authedRequest(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	token, _, err := middleware.GenerateToken(testAPISecret, "1001")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return env.Data
}

func TestHealthNoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if data := decodeData(t, w); data["status"] != "ok" {
		t.Errorf("status field = %v, want ok", data["status"])
	}
}

func TestSessionsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token",
		strings.NewReader(`{"extension":"1001","secret":"shared-secret"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("no token in response")
	}

	// The issued token passes the auth middleware.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status with issued token = %d, want 200", w.Code)
	}

	// Wrong shared secret is rejected.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token",
		strings.NewReader(`{"extension":"1001","secret":"nope"}`)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong secret = %d, want 401", w.Code)
	}
}

func TestListAndGetSessions(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()
	repo := database.NewSessionRepository(db)

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	sess := &models.Session{SessionID: "sess-1", StartedAt: started, Participants: "1001,1002"}
	if err := repo.Create(ctx, sess); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if err := repo.Finish(ctx, "sess-1", "hangup", started.Add(time.Minute)); err != nil {
		t.Fatalf("finishing session: %v", err)
	}

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sessions", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["total"] != float64(1) {
		t.Errorf("total = %v, want 1", data["total"])
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sessions/sess-1", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	data = decodeData(t, w)
	if data["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", data["session_id"])
	}
	if data["end_reason"] != "hangup" {
		t.Errorf("end_reason = %v, want hangup", data["end_reason"])
	}
	if data["active"] != false {
		t.Errorf("active = %v, want false", data["active"])
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sessions/no-such", ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", w.Code)
	}
}

func TestSessionStatsEndpoint(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()
	repo := database.NewEndpointStatRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	err := repo.BulkInsert(ctx, []models.EndpointStat{
		{SessionID: "sess-1", Address: "1001", Media: "AUDIO", SampledAt: now, Data: `{"jitter":2}`},
	})
	if err != nil {
		t.Fatalf("inserting stats: %v", err)
	}

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/sessions/sess-1/stats", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var env struct {
		Data []struct {
			Address string          `json:"address"`
			Media   string          `json:"media"`
			Data    json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(env.Data) != 1 {
		t.Fatalf("got %d samples, want 1", len(env.Data))
	}
	if env.Data[0].Media != "AUDIO" {
		t.Errorf("media = %q, want AUDIO", env.Data[0].Media)
	}
	if string(env.Data[0].Data) != `{"jitter":2}` {
		t.Errorf("data = %s, want raw json passthrough", env.Data[0].Data)
	}
}

func TestVoicemailMailboxScoping(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()
	repo := database.NewVoicemailMessageRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	msg := &models.VoicemailMessage{
		MessageID: "m1", Mailbox: "2001", Caller: "1001",
		File: "/nonexistent/m1.mp4", Duration: 10, RecordedAt: now,
	}
	if err := repo.Create(ctx, msg); err != nil {
		t.Fatalf("creating message: %v", err)
	}

	// Listing the right mailbox shows the message.
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/v1/voicemail/2001/messages", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["unheard"] != float64(1) {
		t.Errorf("unheard = %v, want 1", data["unheard"])
	}

	// Another mailbox cannot address the message.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodPut, "/api/v1/voicemail/2002/messages/m1/read", ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-mailbox status = %d, want 404", w.Code)
	}

	// Marking read through the right mailbox works.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodPut, "/api/v1/voicemail/2001/messages/m1/read", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("mark read status = %d, want 200", w.Code)
	}
	if data := decodeData(t, w); data["heard"] != true {
		t.Errorf("heard = %v, want true", data["heard"])
	}

	// Deleting removes the row; the missing media file is tolerated.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, authedRequest(t, http.MethodDelete, "/api/v1/voicemail/2001/messages/m1", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}

	msgs, err := repo.ListForMailbox(ctx, "2001")
	if err != nil {
		t.Fatalf("listing after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after delete = %d, want 0", len(msgs))
	}
}
