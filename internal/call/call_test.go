package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/acebridge/acebridge/internal/pipeline"
	"github.com/acebridge/acebridge/internal/pipeline/pipelinetest"
)

const testOffer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 102 103 110 112\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 rtx/90000\r\n" +
	"a=fmtp:97 apt=96\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=fmtp:102 packetization-mode=1;profile-level-id=42001f\r\n" +
	"a=rtpmap:103 rtx/90000\r\n" +
	"a=fmtp:103 apt=102\r\n" +
	"a=rtpmap:110 red/90000\r\n" +
	"a=rtpmap:112 ulpfec/90000\r\n"

type fakeNotifier struct {
	mu      sync.Mutex
	lists   [][]ParticipantInfo
	stopped []string
	ice     []pipeline.ICECandidate
}

func (n *fakeNotifier) SendICECandidate(c pipeline.ICECandidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ice = append(n.ice, c)
}

func (n *fakeNotifier) SendParticipantList(list []ParticipantInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lists = append(n.lists, list)
}

func (n *fakeNotifier) SendSessionStopped(sessionID, ext, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, ext+":"+reason)
}

func (n *fakeNotifier) lastList() []ParticipantInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.lists) == 0 {
		return nil
	}
	return n.lists[len(n.lists)-1]
}

func newTestCall(t *testing.T, opts Options) (*Call, *pipelinetest.Pipeline) {
	t.Helper()
	factory := pipelinetest.NewFactory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.VideoCodec == "" {
		opts.VideoCodec = "H264"
	}
	if opts.RecordingDir == "" {
		opts.RecordingDir = t.TempDir()
	}
	if opts.RecordingProfile == "" {
		opts.RecordingProfile = "MP4"
	}
	mgr := NewManager(factory, opts, logger)
	c, err := mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c, factory.Pipelines()[0]
}

func TestTwoPartyCrossConnect(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "1001", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant(1001): %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "1002", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant(1002): %v", err)
	}

	eps := pipe.WebRTCEndpoints()
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(eps))
	}
	if !pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("first endpoint not connected to second")
	}
	if !pipe.Connected(eps[1], eps[0], pipeline.MediaAll) {
		t.Error("second endpoint not connected to first")
	}
	if len(pipe.Hubs()) != 0 {
		t.Error("no hub expected in a two-party call")
	}
}

func TestThirdParticipantCreatesHub(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	notifiers := map[string]*fakeNotifier{
		"alice": {}, "bob": {}, "carol": {},
	}
	for _, ext := range []string{"alice", "bob", "carol"} {
		if _, err := c.AddWebRTCParticipant(ctx, ext, testOffer, notifiers[ext]); err != nil {
			t.Fatalf("AddWebRTCParticipant(%s): %v", ext, err)
		}
	}

	hubs := pipe.Hubs()
	if len(hubs) != 1 {
		t.Fatalf("expected 1 hub, got %d", len(hubs))
	}
	ports := hubs[0].Ports()
	if len(ports) != 3 {
		t.Fatalf("expected 3 hub ports, got %d", len(ports))
	}

	eps := pipe.WebRTCEndpoints()
	for i, ep := range eps {
		if !pipe.Connected(ep, ports[i], pipeline.MediaAll) {
			t.Errorf("endpoint %d not feeding its hub port", i)
		}
		if !pipe.Connected(ports[i], ep, pipeline.MediaAll) {
			t.Errorf("hub port %d not feeding its endpoint", i)
		}
	}
	// Direct cross-connections from the two-party phase must be gone.
	if pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("stale direct connection survived hub transition")
	}

	want := []ParticipantInfo{
		{Ext: "alice", Type: "webrtc"},
		{Ext: "bob", Type: "webrtc"},
		{Ext: "carol", Type: "webrtc"},
	}
	for ext, n := range notifiers {
		got := n.lastList()
		if len(got) != len(want) {
			t.Fatalf("%s: expected %d participants, got %d", ext, len(want), len(got))
		}
		for i := range want {
			if got[i].Ext != want[i].Ext || got[i].OnHold {
				t.Errorf("%s: participant %d = %+v, want ext=%s onHold=false", ext, i, got[i], want[i].Ext)
			}
		}
	}
}

func TestLeaveCollapsesHubToDirect(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	for _, ext := range []string{"alice", "bob", "carol"} {
		if _, err := c.AddWebRTCParticipant(ctx, ext, testOffer, &fakeNotifier{}); err != nil {
			t.Fatalf("AddWebRTCParticipant(%s): %v", ext, err)
		}
	}
	if err := c.RemoveParticipant(ctx, "carol", "hangup"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}

	if !pipe.Hubs()[0].IsReleased() {
		t.Error("hub should be released after dropping to two participants")
	}
	eps := pipe.WebRTCEndpoints()
	if !pipe.Connected(eps[0], eps[1], pipeline.MediaAll) || !pipe.Connected(eps[1], eps[0], pipeline.MediaAll) {
		t.Error("remaining participants not cross-connected")
	}
	if c.Finished() {
		t.Error("call should survive with two participants")
	}
}

func TestConcurrentRemoveReleasesPipelineOnce(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	alice, bob := &fakeNotifier{}, &fakeNotifier{}
	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, alice); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "bob", testOffer, bob); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}

	var wg sync.WaitGroup
	for _, ext := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(ext string) {
			defer wg.Done()
			if err := c.RemoveParticipant(ctx, ext, "hangup"); err != nil {
				t.Errorf("RemoveParticipant(%s): %v", ext, err)
			}
		}(ext)
	}
	wg.Wait()

	if !c.Finished() {
		t.Error("call should be finished")
	}
	if n := pipe.ReleaseCount(); n != 1 {
		t.Errorf("pipeline released %d times, want exactly 1", n)
	}
}

func TestHoldIdempotent(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "bob", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	eps := pipe.WebRTCEndpoints()

	changed, err := c.Hold(ctx, "alice", true)
	if err != nil || !changed {
		t.Fatalf("Hold: changed=%v err=%v, want true nil", changed, err)
	}
	if pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("held participant still feeding peer")
	}
	if !pipe.Connected(eps[1], eps[0], pipeline.MediaAll) {
		t.Error("peer's feed should survive the hold")
	}

	changed, err = c.Hold(ctx, "alice", true)
	if err != nil || changed {
		t.Fatalf("second Hold: changed=%v err=%v, want false nil", changed, err)
	}

	changed, err = c.Hold(ctx, "alice", false)
	if err != nil || !changed {
		t.Fatalf("unhold: changed=%v err=%v, want true nil", changed, err)
	}
	if !pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("unheld participant not reattached")
	}
}

func TestRecordingIdempotent(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}

	ok, err := c.ToggleRecording(ctx, "alice", true)
	if err != nil || !ok {
		t.Fatalf("ToggleRecording start: ok=%v err=%v", ok, err)
	}
	ok, err = c.ToggleRecording(ctx, "alice", true)
	if err != nil || !ok {
		t.Fatalf("second ToggleRecording start: ok=%v err=%v", ok, err)
	}
	if n := len(pipe.Recorders()); n != 1 {
		t.Fatalf("expected exactly 1 recorder, got %d", n)
	}
	rec := pipe.Recorders()[0]
	if !rec.Recording {
		t.Error("recorder should be running")
	}
	if !pipe.Connected(pipe.WebRTCEndpoints()[0], rec, pipeline.MediaAll) {
		t.Error("endpoint not feeding recorder")
	}

	ok, err = c.ToggleRecording(ctx, "alice", false)
	if err != nil || !ok {
		t.Fatalf("ToggleRecording stop: ok=%v err=%v", ok, err)
	}
	if !rec.Stopped {
		t.Error("recorder should be stopped")
	}
	if c.Recording("alice") {
		t.Error("participant should no longer be recording")
	}
}

func TestRecordingLimitForceStops(t *testing.T) {
	c, _ := newTestCall(t, Options{RecordingLimit: 30 * time.Millisecond})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.ToggleRecording(ctx, "alice", true); err != nil {
		t.Fatalf("ToggleRecording: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Recording("alice") {
		if time.Now().After(deadline) {
			t.Fatal("recording not force-stopped after limit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrivateModeOverlay(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "bob", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	eps := pipe.WebRTCEndpoints()

	if err := c.SetPrivateMode(ctx, "alice", true, "file:///media/privacy.webm"); err != nil {
		t.Fatalf("SetPrivateMode enable: %v", err)
	}
	players := pipe.Players()
	if len(players) != 1 {
		t.Fatalf("expected 1 player, got %d", len(players))
	}
	player := players[0]
	if player.PlayCount != 1 {
		t.Errorf("play count = %d, want 1", player.PlayCount)
	}
	if !pipe.Connected(player, eps[1], pipeline.MediaAll) {
		t.Error("overlay player not feeding the peer")
	}
	if pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("live feed should be detached in private mode")
	}

	// Enabling twice is a no-op.
	if err := c.SetPrivateMode(ctx, "alice", true, "file:///media/privacy.webm"); err != nil {
		t.Fatalf("second SetPrivateMode enable: %v", err)
	}
	if len(pipe.Players()) != 1 {
		t.Error("second enable created another player")
	}

	// Overlay loops on end-of-stream.
	player.FireEndOfStream()
	if player.PlayCount != 2 {
		t.Errorf("play count after end-of-stream = %d, want 2", player.PlayCount)
	}

	if err := c.SetPrivateMode(ctx, "alice", false, ""); err != nil {
		t.Fatalf("SetPrivateMode disable: %v", err)
	}
	if !player.IsReleased() {
		t.Error("overlay player should be released")
	}
	if !pipe.Connected(eps[0], eps[1], pipeline.MediaAll) {
		t.Error("live feed not restored")
	}
}

func TestRenegotiateReplacesEndpoint(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "bob", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}

	// Stall the replacement endpoint's creation so a second renegotiation
	// arrives while the first is in flight.
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	pipe.FailCreate = func(kind string) error {
		once.Do(func() { close(entered) })
		<-proceed
		return nil
	}

	result := make(chan error, 1)
	go func() {
		_, err := c.Renegotiate(ctx, "alice", testOffer, nil)
		result <- err
	}()
	<-entered

	if _, err := c.Renegotiate(ctx, "alice", testOffer, nil); !errors.Is(err, ErrRenegotiationPending) {
		t.Fatalf("overlapping Renegotiate: err=%v, want ErrRenegotiationPending", err)
	}

	close(proceed)
	if err := <-result; err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}

	eps := pipe.WebRTCEndpoints()
	if len(eps) != 3 {
		t.Fatalf("expected 3 endpoints (one replacement), got %d", len(eps))
	}
	old, peer, repl := eps[0], eps[1], eps[2]
	if !old.IsReleased() {
		t.Error("replaced endpoint should be released")
	}
	if !pipe.Connected(repl, peer, pipeline.MediaAll) || !pipe.Connected(peer, repl, pipeline.MediaAll) {
		t.Error("replacement endpoint not cross-connected with peer")
	}
	if pipe.ConnectionCount(old) != 0 {
		t.Error("replaced endpoint still has live connections")
	}
}

func TestRTPUpgradeKeepsAudioSideChannel(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddRTPParticipant(ctx, "0612345678", testOffer, pipeline.RTPOptions{}); err != nil {
		t.Fatalf("AddRTPParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "0612345678", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("upgrade AddWebRTCParticipant: %v", err)
	}

	rtp := pipe.RTPEndpoints()[0]
	aliceEP := pipe.WebRTCEndpoints()[0]
	upgraded := pipe.WebRTCEndpoints()[1]

	if rtp.IsReleased() {
		t.Fatal("rtp endpoint should survive the upgrade as a side channel")
	}
	if !pipe.Connected(rtp, upgraded, pipeline.MediaAudio) || !pipe.Connected(upgraded, rtp, pipeline.MediaAudio) {
		t.Error("audio side channel not cross-connected")
	}
	if !pipe.Connected(upgraded, aliceEP, pipeline.MediaAll) || !pipe.Connected(aliceEP, upgraded, pipeline.MediaAll) {
		t.Error("upgraded endpoint not cross-connected with peer")
	}
	if c.ParticipantCount() != 2 {
		t.Errorf("participant count = %d, want 2", c.ParticipantCount())
	}
}

func TestEarlyICECandidatesBuffered(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	first := pipeline.ICECandidate{Candidate: "candidate:1 1 UDP 1 10.0.0.1 40000 typ host"}
	second := pipeline.ICECandidate{Candidate: "candidate:2 1 UDP 1 10.0.0.2 40002 typ host"}
	if err := c.AddICECandidate(ctx, "alice", first); err != nil {
		t.Fatalf("AddICECandidate (buffered): %v", err)
	}
	if err := c.AddICECandidate(ctx, "alice", second); err != nil {
		t.Fatalf("AddICECandidate (buffered): %v", err)
	}

	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}

	ep := pipe.WebRTCEndpoints()[0]
	if len(ep.Candidates) != 2 {
		t.Fatalf("expected 2 flushed candidates, got %d", len(ep.Candidates))
	}
	if ep.Candidates[0] != first || ep.Candidates[1] != second {
		t.Error("buffered candidates flushed out of order")
	}
	if !ep.Gathered {
		t.Error("candidate gathering not started")
	}
}

func TestAddParticipantFailureLeavesNoState(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	pipe.FailCreate = func(kind string) error {
		return fmt.Errorf("media server overloaded")
	}
	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err == nil {
		t.Fatal("expected endpoint creation failure")
	}
	if c.ParticipantCount() != 0 {
		t.Errorf("participant count = %d after failed add, want 0", c.ParticipantCount())
	}

	pipe.FailCreate = nil
	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, &fakeNotifier{}); err != nil {
		t.Fatalf("AddWebRTCParticipant after recovery: %v", err)
	}
}

func TestServerInitiatedRTPLeg(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	offer, err := c.AddRTPParticipant(ctx, "2000", "", pipeline.RTPOptions{})
	if err != nil {
		t.Fatalf("AddRTPParticipant: %v", err)
	}
	if offer == "" {
		t.Fatal("expected generated offer for server-initiated leg")
	}

	if err := c.CompleteRTPAnswer(ctx, "2000", testOffer); err != nil {
		t.Fatalf("CompleteRTPAnswer: %v", err)
	}
	if pipe.RTPEndpoints()[0].LastAnswer == "" {
		t.Error("answer not applied to rtp endpoint")
	}
}

func TestFinishNotifiesParticipants(t *testing.T) {
	c, pipe := newTestCall(t, Options{})
	ctx := context.Background()

	alice, bob := &fakeNotifier{}, &fakeNotifier{}
	if _, err := c.AddWebRTCParticipant(ctx, "alice", testOffer, alice); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}
	if _, err := c.AddWebRTCParticipant(ctx, "bob", testOffer, bob); err != nil {
		t.Fatalf("AddWebRTCParticipant: %v", err)
	}

	c.Finish(ctx, "terminated")
	c.Finish(ctx, "terminated") // idempotent

	if n := pipe.ReleaseCount(); n != 1 {
		t.Errorf("pipeline released %d times, want 1", n)
	}
	for name, n := range map[string]*fakeNotifier{"alice": alice, "bob": bob} {
		n.mu.Lock()
		stops := len(n.stopped)
		n.mu.Unlock()
		if stops != 1 {
			t.Errorf("%s received %d stop notifications, want 1", name, stops)
		}
	}
}
