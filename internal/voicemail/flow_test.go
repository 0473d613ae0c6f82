package voicemail

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acebridge/acebridge/internal/pipeline/pipelinetest"
)

const callerOffer = "v=0\r\n" +
	"o=- 42 1 IN IP4 203.0.113.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.9\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func newTestEngine(t *testing.T, cfg Config) (*Engine, *pipelinetest.Factory) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if len(cfg.Instructions) == 0 {
		cfg.Instructions = []string{"file:///prompts/greeting.wav"}
	}
	if cfg.Profile == "" {
		cfg.Profile = "MP4_AUDIO_ONLY"
	}
	factory := pipelinetest.NewFactory()
	return NewEngine(factory, cfg, slog.Default()), factory
}

func TestFlowRecordsMessage(t *testing.T) {
	engine, factory := newTestEngine(t, Config{})

	var (
		mu   sync.Mutex
		msgs []Message
	)
	engine.OnMessage = func(ctx context.Context, m Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}

	ctx := context.Background()
	answer, flow, err := engine.Answer(ctx, "+15550100", "2001", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer != callerOffer {
		t.Errorf("answer does not echo the caller offer")
	}
	if engine.ActiveFlows() != 1 {
		t.Fatalf("ActiveFlows = %d, want 1", engine.ActiveFlows())
	}

	pipe := factory.Pipelines()[0]
	if len(pipe.Players()) != 1 {
		t.Fatalf("player count = %d, want 1", len(pipe.Players()))
	}
	greeting := pipe.Players()[0]
	if greeting.PlayCount != 1 {
		t.Errorf("greeting PlayCount = %d, want 1", greeting.PlayCount)
	}
	rtp := pipe.RTPEndpoints()[0]
	if !pipe.Connected(greeting, rtp, "") {
		t.Error("greeting player not feeding the caller leg")
	}

	// 1 cuts the instructions short and replays the record prompt.
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("HandleDTMF(1): %v", err)
	}
	if got := flow.State(); got != StatePrompting {
		t.Fatalf("state after 1 = %q, want %q", got, StatePrompting)
	}
	if !greeting.Stopped {
		t.Error("greeting still playing during record prompt")
	}
	if len(pipe.Players()) != 2 {
		t.Fatalf("player count after 1 = %d, want 2", len(pipe.Players()))
	}
	prompt := pipe.Players()[1]
	if prompt.PlayCount != 1 {
		t.Errorf("record prompt PlayCount = %d, want 1", prompt.PlayCount)
	}

	// The record prompt ending starts the recording.
	prompt.FireEndOfStream()
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after prompt = %q, want %q", got, StateRecording)
	}
	rec := pipe.Recorders()[0]
	if !rec.Recording {
		t.Error("recorder not started")
	}
	if !pipe.Connected(rtp, rec, "") {
		t.Error("caller leg not feeding the recorder")
	}
	if !strings.Contains(rec.URI, "2001-+15550100-") {
		t.Errorf("recording uri %q missing mailbox and caller", rec.URI)
	}

	// Unmapped digits are ignored.
	if err := flow.HandleDTMF(ctx, "5"); err != nil {
		t.Fatalf("HandleDTMF(5): %v", err)
	}
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after stray digit = %q, want %q", got, StateRecording)
	}

	// * finishes: recorder drained, pipeline released, one message.
	if err := flow.HandleDTMF(ctx, "*"); err != nil {
		t.Fatalf("HandleDTMF(*): %v", err)
	}
	if got := flow.State(); got != StateFinished {
		t.Fatalf("state after * = %q, want %q", got, StateFinished)
	}
	if !rec.Stopped {
		t.Error("recorder not drained before release")
	}
	if pipe.ReleaseCount() != 1 {
		t.Errorf("pipeline ReleaseCount = %d, want 1", pipe.ReleaseCount())
	}
	if engine.ActiveFlows() != 0 {
		t.Errorf("ActiveFlows after finish = %d, want 0", engine.ActiveFlows())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 1 {
		t.Fatalf("OnMessage fired %d times, want 1", len(msgs))
	}
	if msgs[0].Mailbox != "2001" || msgs[0].Caller != "+15550100" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestInstructionsEndStartsRecording(t *testing.T) {
	engine, factory := newTestEngine(t, Config{})

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "+15550100", "2002", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	pipe := factory.Pipelines()[0]
	pipe.Players()[0].FireEndOfStream()

	// A caller who never touches the keypad still gets to leave a message.
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after last instruction = %q, want %q", got, StateRecording)
	}
	if len(pipe.Recorders()) != 1 || !pipe.Recorders()[0].Recording {
		t.Fatal("recorder not started when the instructions ran out")
	}
}

func TestInstructionSequenceAdvances(t *testing.T) {
	engine, factory := newTestEngine(t, Config{
		Instructions: []string{
			"file:///prompts/welcome.jpg",
			"file:///prompts/beep.wav",
		},
		PromptRepeat: 2,
	})

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "anon", "2003", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	pipe := factory.Pipelines()[0]
	first := pipe.Players()[0]
	if first.URI != "file:///prompts/welcome.jpg" {
		t.Fatalf("first instruction uri = %q", first.URI)
	}

	// The visual file loops its repeat budget before the cursor advances.
	first.FireEndOfStream()
	if first.PlayCount != 2 {
		t.Fatalf("PlayCount after first end = %d, want 2", first.PlayCount)
	}
	if len(pipe.Players()) != 1 {
		t.Fatalf("cursor advanced before the repeat budget was spent")
	}

	first.FireEndOfStream()
	if len(pipe.Players()) != 2 {
		t.Fatalf("player count = %d, want 2", len(pipe.Players()))
	}
	second := pipe.Players()[1]
	if second.URI != "file:///prompts/beep.wav" {
		t.Fatalf("second instruction uri = %q", second.URI)
	}
	if !first.IsReleased() {
		t.Error("finished instruction player not released")
	}
	if got := flow.State(); got != StateGreeting {
		t.Fatalf("state during second instruction = %q, want %q", got, StateGreeting)
	}

	// A stale end-of-stream from the replaced player changes nothing.
	first.FireEndOfStream()
	if len(pipe.Players()) != 2 {
		t.Fatal("stale end-of-stream advanced the cursor")
	}

	// The audio file plays once, then the sequence is over and recording
	// starts.
	second.FireEndOfStream()
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after sequence = %q, want %q", got, StateRecording)
	}
}

func TestRecordPromptReplaysLastInstruction(t *testing.T) {
	engine, factory := newTestEngine(t, Config{
		Instructions: []string{
			"file:///prompts/welcome.wav",
			"file:///prompts/beep.wav",
		},
	})

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "anon", "2004", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// 1 during the first instruction skips straight to the last file.
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("HandleDTMF(1): %v", err)
	}
	pipe := factory.Pipelines()[0]
	if len(pipe.Players()) != 2 {
		t.Fatalf("player count = %d, want 2", len(pipe.Players()))
	}
	prompt := pipe.Players()[1]
	if prompt.URI != "file:///prompts/beep.wav" {
		t.Fatalf("record prompt uri = %q, want the last instruction", prompt.URI)
	}

	// A second 1 while the prompt plays is a no-op.
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("second HandleDTMF(1): %v", err)
	}
	if len(pipe.Players()) != 2 {
		t.Fatal("second 1 restarted the record prompt")
	}

	prompt.FireEndOfStream()
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after prompt = %q, want %q", got, StateRecording)
	}
}

func TestFlowHangupDuringGreetingLeavesNoMessage(t *testing.T) {
	engine, factory := newTestEngine(t, Config{})

	fired := 0
	engine.OnMessage = func(context.Context, Message) { fired++ }

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "anon", "2005", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if err := flow.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	// Hangup again and a late digit: both no-ops.
	if err := flow.Hangup(ctx); err != nil {
		t.Fatalf("second Hangup: %v", err)
	}
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("HandleDTMF after hangup: %v", err)
	}

	pipe := factory.Pipelines()[0]
	if pipe.ReleaseCount() != 1 {
		t.Errorf("pipeline ReleaseCount = %d, want 1", pipe.ReleaseCount())
	}
	if fired != 0 {
		t.Errorf("OnMessage fired %d times for an empty flow", fired)
	}
}

func TestFlowHangupDuringRecordingKeepsMessage(t *testing.T) {
	engine, factory := newTestEngine(t, Config{})

	fired := 0
	engine.OnMessage = func(context.Context, Message) { fired++ }

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "+15550100", "2006", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("HandleDTMF(1): %v", err)
	}
	factory.Pipelines()[0].Players()[1].FireEndOfStream()
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state = %q, want %q", got, StateRecording)
	}
	if err := flow.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	pipe := factory.Pipelines()[0]
	if !pipe.Recorders()[0].Stopped {
		t.Error("recorder not drained on hangup")
	}
	if fired != 1 {
		t.Errorf("OnMessage fired %d times, want 1", fired)
	}
}

func TestVisualPromptLoopsConfiguredTimes(t *testing.T) {
	engine, factory := newTestEngine(t, Config{
		Instructions: []string{"file:///prompts/greeting.webm"},
		PromptRepeat: 3,
	})

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "anon", "2007", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	player := factory.Pipelines()[0].Players()[0]
	// Each end-of-stream replays until the repeat budget is spent, then
	// recording takes over.
	player.FireEndOfStream()
	player.FireEndOfStream()
	if player.PlayCount != 3 {
		t.Errorf("PlayCount = %d, want 3", player.PlayCount)
	}
	if got := flow.State(); got != StateGreeting {
		t.Fatalf("state after replays = %q, want %q", got, StateGreeting)
	}
	player.FireEndOfStream()
	if got := flow.State(); got != StateRecording {
		t.Fatalf("state after last replay = %q, want %q", got, StateRecording)
	}
}

func TestAudioPromptPlaysOnce(t *testing.T) {
	engine, factory := newTestEngine(t, Config{
		Instructions: []string{"file:///prompts/greeting.wav"},
		PromptRepeat: 3,
	})

	ctx := context.Background()
	_, _, err := engine.Answer(ctx, "anon", "2008", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	player := factory.Pipelines()[0].Players()[0]
	player.FireEndOfStream()
	if player.PlayCount != 1 {
		t.Errorf("PlayCount = %d, want 1", player.PlayCount)
	}
}

func TestRecordingLimitForceFinishes(t *testing.T) {
	engine, factory := newTestEngine(t, Config{MaxDuration: 30 * time.Millisecond})

	fired := 0
	engine.OnMessage = func(context.Context, Message) { fired++ }

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "+15550100", "2009", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := flow.HandleDTMF(ctx, "1"); err != nil {
		t.Fatalf("HandleDTMF(1): %v", err)
	}
	factory.Pipelines()[0].Players()[1].FireEndOfStream()

	deadline := time.Now().Add(2 * time.Second)
	for flow.State() != StateFinished {
		if time.Now().After(deadline) {
			t.Fatal("flow not finished after duration limit")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := factory.Pipelines()[0].ReleaseCount(); got != 1 {
		t.Errorf("pipeline ReleaseCount = %d, want 1", got)
	}
	if fired != 1 {
		t.Errorf("OnMessage fired %d times, want 1", fired)
	}
}

func TestRecorderReleasedWhenRecordFails(t *testing.T) {
	boom := errors.New("recorder stalled")
	engine, factory := newTestEngine(t, Config{})
	factory.FailRecord = boom

	ctx := context.Background()
	_, flow, err := engine.Answer(ctx, "+15550100", "2010", callerOffer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	pipe := factory.Pipelines()[0]
	pipe.Players()[0].FireEndOfStream()

	// The failed recorder must not linger on the pipeline.
	if len(pipe.Recorders()) != 1 {
		t.Fatalf("recorder count = %d, want 1", len(pipe.Recorders()))
	}
	if !pipe.Recorders()[0].IsReleased() {
		t.Error("failed recorder not released")
	}
	if got := flow.State(); got == StateRecording {
		t.Fatal("flow counts as recording after a failed recorder start")
	}
}

func TestAnswerFailureReleasesPipeline(t *testing.T) {
	engine, factory := newTestEngine(t, Config{})
	boom := errors.New("player backend down")
	factory.FailCreate = func(kind string) error {
		if kind == "player" {
			return boom
		}
		return nil
	}

	_, _, err := engine.Answer(context.Background(), "anon", "2011", callerOffer)
	if !errors.Is(err, boom) {
		t.Fatalf("Answer error = %v, want %v", err, boom)
	}
	if got := factory.Pipelines()[0].ReleaseCount(); got != 1 {
		t.Errorf("ReleaseCount = %d, want 1", got)
	}
	if engine.ActiveFlows() != 0 {
		t.Errorf("ActiveFlows = %d, want 0", engine.ActiveFlows())
	}
}

func TestAnswerWithoutInstructionsFails(t *testing.T) {
	factory := pipelinetest.NewFactory()
	engine := NewEngine(factory, Config{Dir: t.TempDir()}, slog.Default())

	_, _, err := engine.Answer(context.Background(), "anon", "2012", callerOffer)
	if err == nil {
		t.Fatal("Answer succeeded with no instruction media")
	}
	if len(factory.Pipelines()) != 0 {
		t.Errorf("pipeline created despite missing instructions")
	}
}
