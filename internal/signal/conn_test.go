package signal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeOrch struct {
	mu          sync.Mutex
	registerErr error
	answer      string
	placeErr    error
	placed      []string
	closed      int
}

func (f *fakeOrch) RegisterExtension(ctx context.Context, ext, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerErr
}

func (f *fakeOrch) PlaceCall(ctx context.Context, conn *Conn, uri, offer string, skipQueue bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, uri)
	return f.answer, f.placeErr
}

func (f *fakeOrch) Loopback(ctx context.Context, conn *Conn, ext, offer string) (string, error) {
	return f.answer, f.placeErr
}

func (f *fakeOrch) Hangup(ctx context.Context, conn *Conn) error { return nil }

func (f *fakeOrch) Hold(ctx context.Context, conn *Conn, hold bool) (bool, error) {
	return true, nil
}

func (f *fakeOrch) InvitePeer(ctx context.Context, conn *Conn, ext string) error { return nil }

func (f *fakeOrch) Transfer(ctx context.Context, conn *Conn, ext string, blind bool) error {
	return nil
}

func (f *fakeOrch) ConnectionClosed(ctx context.Context, conn *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeOrch) placeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func newTestServer(t *testing.T, orch Orchestrator, acceptTimeout time.Duration) (*Registry, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)
	srv := NewServer(context.Background(), registry, orch, nil, acceptTimeout, logger)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing signaling server: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return registry, ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestRegisterRejectionCarriesUpstreamReason(t *testing.T) {
	orch := &fakeOrch{registerErr: errors.New("Unauthorized")}
	registry, ws := newTestServer(t, orch, 0)

	sendFrame(t, ws, map[string]any{"id": "register", "ext": "1000", "password": "secret"})
	resp := readFrame(t, ws)
	if resp["id"] != "registerResponse" {
		t.Fatalf("frame id = %v, want registerResponse", resp["id"])
	}
	if resp["error"] != "Unauthorized" {
		t.Errorf("error = %v, want the upstream reason verbatim", resp["error"])
	}
	if registry.ByExtension("1000") != nil {
		t.Error("extension must not be bound after a failed registration")
	}

	// The connection stays unregistered and can retry.
	orch.mu.Lock()
	orch.registerErr = nil
	orch.mu.Unlock()
	sendFrame(t, ws, map[string]any{"id": "register", "ext": "1000", "password": "secret"})
	resp = readFrame(t, ws)
	if _, hasErr := resp["error"]; hasErr {
		t.Fatalf("retry failed: %v", resp)
	}
	if registry.ByExtension("1000") == nil {
		t.Error("extension not bound after successful registration")
	}
}

func TestCallWhileBusyIsDroppedSilently(t *testing.T) {
	orch := &fakeOrch{answer: "answer-sdp"}
	_, ws := newTestServer(t, orch, 0)

	sendFrame(t, ws, map[string]any{"id": "register", "ext": "1000", "password": "s"})
	readFrame(t, ws)

	sendFrame(t, ws, map[string]any{"id": "call", "uri": "2000", "sdp": "offer"})
	resp := readFrame(t, ws)
	if resp["response"] != "accepted" || resp["sdpAnswer"] != "answer-sdp" {
		t.Fatalf("callResponse = %v", resp)
	}

	// A second dial while active must produce no response frame at all.
	sendFrame(t, ws, map[string]any{"id": "call", "uri": "3000", "sdp": "offer"})
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame map[string]any
	if err := ws.ReadJSON(&frame); err == nil {
		t.Fatalf("unexpected frame for double dial: %v", frame)
	}
	if n := orch.placeCalls(); n != 1 {
		t.Errorf("orchestrator saw %d dials, want 1", n)
	}
}

func TestUnrecognizedKindIsDroppedNotFatal(t *testing.T) {
	orch := &fakeOrch{}
	registry, ws := newTestServer(t, orch, 0)

	sendFrame(t, ws, map[string]any{"id": "definitelyNotAKind", "x": 1})
	sendFrame(t, ws, map[string]any{"id": "register", "ext": "1000", "password": "s"})
	resp := readFrame(t, ws)
	if resp["id"] != "registerResponse" {
		t.Fatalf("connection unusable after unknown kind: %v", resp)
	}
	if registry.Count() != 1 {
		t.Errorf("connection count = %d, want 1", registry.Count())
	}
}

func TestRequestJoinAcceptRoundTrip(t *testing.T) {
	orch := &fakeOrch{}
	registry, ws := newTestServer(t, orch, 2*time.Second)

	sendFrame(t, ws, map[string]any{"id": "register", "ext": "2000", "password": "s"})
	readFrame(t, ws)

	conn := registry.ByExtension("2000")
	if conn == nil {
		t.Fatal("connection not registered")
	}

	type joinResult struct {
		sdp string
		err error
	}
	result := make(chan joinResult, 1)
	go func() {
		sdp, err := conn.RequestJoin(context.Background(), "1000", true)
		result <- joinResult{sdp, err}
	}()

	frame := readFrame(t, ws)
	if frame["id"] != "incomingCall" || frame["caller"] != "1000" {
		t.Fatalf("incomingCall frame = %v", frame)
	}
	if frame["isWarmTransfer"] != true {
		t.Error("warm transfer flag not relayed")
	}

	sendFrame(t, ws, map[string]any{"id": "accept", "caller": "1000", "sdp": "callee-offer"})
	res := <-result
	if res.err != nil {
		t.Fatalf("RequestJoin: %v", res.err)
	}
	if res.sdp != "callee-offer" {
		t.Errorf("offer = %q, want callee-offer", res.sdp)
	}
}

func TestRequestJoinTimeoutCountsAsDecline(t *testing.T) {
	orch := &fakeOrch{}
	registry, ws := newTestServer(t, orch, 100*time.Millisecond)

	sendFrame(t, ws, map[string]any{"id": "register", "ext": "2000", "password": "s"})
	readFrame(t, ws)

	conn := registry.ByExtension("2000")
	if _, err := conn.RequestJoin(context.Background(), "1000", false); !errors.Is(err, ErrDeclined) {
		t.Fatalf("RequestJoin after silence: err=%v, want ErrDeclined", err)
	}

	// A later join offer must work: the expired round-trip left no state.
	go func() {
		time.Sleep(20 * time.Millisecond)
		sendFrame(t, ws, map[string]any{"id": "decline", "caller": "1000"})
	}()
	readFrame(t, ws) // first incomingCall
	if _, err := conn.RequestJoin(context.Background(), "1000", false); !errors.Is(err, ErrDeclined) {
		t.Fatalf("second RequestJoin: err=%v, want ErrDeclined", err)
	}
}

func TestDecodeMessageKinds(t *testing.T) {
	tests := []struct {
		frame string
		want  any
	}{
		{`{"id":"register","ext":"1000","password":"p","isAgent":true}`, &RegisterMessage{Ext: "1000", Password: "p", IsAgent: true}},
		{`{"id":"call","uri":"2000","sdp":"o","skipQueue":true}`, &CallMessage{URI: "2000", SDP: "o", SkipQueue: true}},
		{`{"id":"stop","removeFromQueue":true}`, &StopMessage{RemoveFromQueue: true}},
		{`{"id":"hold"}`, &HoldMessage{}},
		{`{"id":"privacy","enabled":true,"url":"file:///x"}`, &PrivacyMessage{Enabled: true, URL: "file:///x"}},
		{`{"id":"callTransfer","ext":"3000","isBlind":true}`, &CallTransferMessage{Ext: "3000", IsBlind: true}},
	}
	for _, tc := range tests {
		got, err := decodeMessage([]byte(tc.frame))
		if err != nil {
			t.Fatalf("decodeMessage(%s): %v", tc.frame, err)
		}
		gotJSON, _ := json.Marshal(got)
		wantJSON, _ := json.Marshal(tc.want)
		if string(gotJSON) != string(wantJSON) {
			t.Errorf("decodeMessage(%s) = %s, want %s", tc.frame, gotJSON, wantJSON)
		}
	}

	got, err := decodeMessage([]byte(`{"id":"somethingElse"}`))
	if err != nil {
		t.Fatalf("decodeMessage unknown: %v", err)
	}
	if u, ok := got.(*Unknown); !ok || u.ID != "somethingElse" {
		t.Errorf("unknown kind decoded as %T", got)
	}
}

func TestRegistryLastWriterWins(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)

	a := &Conn{logger: logger}
	b := &Conn{logger: logger}
	a.id = registry.Add(a)
	b.id = registry.Add(b)

	registry.BindExtension("1000", a.id)
	registry.BindExtension("1000", b.id)
	if got := registry.ByExtension("1000"); got != b {
		t.Error("re-registration must hand the extension to the newest connection")
	}

	// Removing the orphaned connection must not disturb the new owner.
	registry.Remove(a.id)
	if got := registry.ByExtension("1000"); got != b {
		t.Error("removing the orphaned connection cleared the new owner's binding")
	}

	registry.Remove(b.id)
	if registry.ByExtension("1000") != nil {
		t.Error("binding must die with its connection")
	}
	registry.Remove(b.id) // idempotent
}
