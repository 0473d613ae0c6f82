package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// State is a flow's position in the voicemail dialogue.
type State string

const (
	// StateGreeting plays the instruction sequence and waits for 1 or for
	// the last instruction to end.
	StateGreeting State = "greeting"
	// StatePrompting replays the record prompt after the caller pressed 1.
	StatePrompting State = "prompting"
	// StateRecording captures the caller until * or the duration cap.
	StateRecording State = "recording"
	// StateFinished means the pipeline is released. Terminal.
	StateFinished State = "finished"
)

// Flow is one caller's voicemail session. The instruction files play in
// order, each visual one looping its repeat budget; the cursor advances on
// end-of-stream. Recording starts when the caller presses 1 (after a
// replay of the last instruction as the record prompt) or when the
// sequence runs out. * finishes it, hangup from any state finalizes
// whatever was captured. All transitions are serialized by mu.
type Flow struct {
	id      string
	engine  *Engine
	pipe    pipeline.Pipeline
	caller  string
	mailbox string
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	rtp         pipeline.RTPEndpoint
	player      pipeline.Player
	cursor      int
	playsLeft   int
	recorder    pipeline.Recorder
	file        string
	recordStart time.Time
	limitTimer  *time.Timer
}

// ID returns the flow identifier.
func (f *Flow) ID() string { return f.id }

// State returns the flow's current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// setup answers the caller's offer and starts the first instruction.
func (f *Flow) setup(ctx context.Context, offer string) (string, error) {
	rtp, err := f.pipe.CreateRTPEndpoint(ctx, pipeline.RTPOptions{})
	if err != nil {
		return "", fmt.Errorf("creating rtp endpoint: %w", err)
	}
	answer, err := rtp.ProcessOffer(ctx, offer)
	if err != nil {
		return "", fmt.Errorf("processing caller offer: %w", err)
	}

	f.mu.Lock()
	f.rtp = rtp
	f.mu.Unlock()

	if err := f.playInstruction(ctx, 0); err != nil {
		return "", err
	}
	return answer, nil
}

// playInstruction swaps the caller leg onto the instruction at idx and
// starts it. Visual files get the configured repeat budget, audio plays
// once.
func (f *Flow) playInstruction(ctx context.Context, idx int) error {
	uri := f.engine.cfg.Instructions[idx]
	player, err := f.pipe.CreatePlayer(ctx, uri)
	if err != nil {
		return fmt.Errorf("creating instruction player: %w", err)
	}

	f.mu.Lock()
	rtp := f.rtp
	old := f.player
	f.player = player
	f.cursor = idx
	plays := 1
	if visualPrompt(uri) {
		plays = f.engine.cfg.PromptRepeat
	}
	f.playsLeft = plays - 1
	f.mu.Unlock()

	if err := player.Connect(ctx, rtp, pipeline.MediaAll); err != nil {
		return fmt.Errorf("connecting instruction player: %w", err)
	}
	if old != nil {
		if err := old.Disconnect(ctx, rtp, pipeline.MediaAll); err != nil && !errors.Is(err, pipeline.ErrReleased) {
			f.logger.Warn("disconnecting finished instruction", "error", err)
		}
		if err := old.Release(ctx); err != nil && !errors.Is(err, pipeline.ErrReleased) {
			f.logger.Warn("releasing finished instruction", "error", err)
		}
	}

	player.OnEndOfStream(func() { f.instructionEnded(player) })

	if err := player.Play(ctx); err != nil {
		return fmt.Errorf("playing instruction: %w", err)
	}
	return nil
}

// instructionEnded advances the flow when a prompt reaches end of stream:
// replay while the repeat budget lasts, then the next instruction, then
// recording. A record prompt goes straight to recording.
func (f *Flow) instructionEnded(p pipeline.Player) {
	ctx := context.Background()

	f.mu.Lock()
	if p != f.player || (f.state != StateGreeting && f.state != StatePrompting) {
		f.mu.Unlock()
		return
	}
	if f.state == StatePrompting {
		f.mu.Unlock()
		if err := f.startRecording(ctx); err != nil {
			f.logger.Warn("recording after prompt", "error", err)
		}
		return
	}
	if f.playsLeft > 0 {
		f.playsLeft--
		f.mu.Unlock()
		if err := p.Play(ctx); err != nil {
			f.logger.Warn("replaying instruction", "error", err)
		}
		return
	}
	next := f.cursor + 1
	f.mu.Unlock()

	// An instruction that fails to start is skipped, like a missing file.
	for ; next < len(f.engine.cfg.Instructions); next++ {
		err := f.playInstruction(ctx, next)
		if err == nil {
			return
		}
		f.logger.Warn("starting next instruction", "index", next, "error", err)
	}

	// Sequence exhausted: record whatever the caller has to say.
	if err := f.startRecording(ctx); err != nil {
		f.logger.Warn("recording after instructions", "error", err)
	}
}

// HandleDTMF advances the flow on a keypad digit. Unmapped digits are
// ignored.
func (f *Flow) HandleDTMF(ctx context.Context, digit string) error {
	switch digit {
	case "1":
		return f.beginRecordPrompt(ctx)
	case "*":
		_, err := f.finish(ctx, true)
		return err
	default:
		f.logger.Debug("ignoring dtmf digit", "digit", digit)
		return nil
	}
}

// beginRecordPrompt cuts the instruction sequence short: the last
// instruction replays once as the record prompt, and recording starts when
// it ends. If the prompt cannot play, recording starts immediately.
func (f *Flow) beginRecordPrompt(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateGreeting {
		f.mu.Unlock()
		return nil
	}
	f.state = StatePrompting
	player := f.player
	f.mu.Unlock()

	if player != nil {
		if err := player.Stop(ctx); err != nil {
			f.logger.Warn("stopping instruction", "error", err)
		}
	}

	last := len(f.engine.cfg.Instructions) - 1
	if err := f.playInstruction(ctx, last); err != nil {
		f.logger.Warn("playing record prompt", "error", err)
		return f.startRecording(ctx)
	}
	return nil
}

// startRecording stops any prompt still playing and begins capturing the
// caller.
func (f *Flow) startRecording(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateGreeting && f.state != StatePrompting {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	file := f.engine.messageFile(f.mailbox, f.caller, f.id)
	rec, err := f.pipe.CreateRecorder(ctx, "file://"+file, f.engine.cfg.Profile)
	if err != nil {
		return fmt.Errorf("creating message recorder: %w", err)
	}

	f.mu.Lock()
	if f.state != StateGreeting && f.state != StatePrompting {
		// Hung up while the recorder was being created.
		f.mu.Unlock()
		if relErr := rec.Release(ctx); relErr != nil && !errors.Is(relErr, pipeline.ErrReleased) {
			f.logger.Warn("releasing orphaned recorder", "error", relErr)
		}
		return nil
	}

	if f.player != nil {
		if err := f.player.Stop(ctx); err != nil {
			f.logger.Warn("stopping prompt", "error", err)
		}
	}
	if err := f.rtp.Connect(ctx, rec, pipeline.MediaAll); err != nil {
		f.mu.Unlock()
		if relErr := rec.Release(ctx); relErr != nil && !errors.Is(relErr, pipeline.ErrReleased) {
			f.logger.Warn("releasing unconnected recorder", "error", relErr)
		}
		return fmt.Errorf("connecting recorder: %w", err)
	}
	if err := rec.Record(ctx); err != nil {
		f.mu.Unlock()
		if relErr := rec.Release(ctx); relErr != nil && !errors.Is(relErr, pipeline.ErrReleased) {
			f.logger.Warn("releasing stalled recorder", "error", relErr)
		}
		return fmt.Errorf("starting recording: %w", err)
	}

	f.state = StateRecording
	f.recorder = rec
	f.file = file
	f.recordStart = time.Now()
	if limit := f.engine.cfg.MaxDuration; limit > 0 {
		f.limitTimer = time.AfterFunc(limit, func() {
			if _, err := f.finish(context.Background(), true); err != nil {
				f.logger.Warn("finishing over-limit recording", "error", err)
			}
		})
	}
	f.mu.Unlock()

	f.logger.Info("voicemail recording started", "file", file)
	return nil
}

// Hangup ends the flow from the SIP side. A recording in progress is kept.
func (f *Flow) Hangup(ctx context.Context) error {
	_, err := f.finish(ctx, false)
	return err
}

// finish finalizes the flow: the recorder (if any) is drained, the
// pipeline released exactly once, and the finished message reported once.
// The bool reports whether this call did the teardown.
func (f *Flow) finish(ctx context.Context, fromDTMF bool) (bool, error) {
	f.mu.Lock()
	if f.state == StateFinished {
		f.mu.Unlock()
		return false, nil
	}
	prev := f.state
	f.state = StateFinished
	rec := f.recorder
	file := f.file
	start := f.recordStart
	timer := f.limitTimer
	f.limitTimer = nil
	f.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	var msg *Message
	if prev == StateRecording && rec != nil {
		if err := rec.StopAndWait(ctx); err != nil {
			f.logger.Warn("finalizing message recording", "error", err)
		} else {
			msg = &Message{
				ID:         f.id,
				Caller:     f.caller,
				Mailbox:    f.mailbox,
				File:       file,
				Duration:   time.Since(start),
				RecordedAt: start,
			}
		}
	}

	if err := f.pipe.Release(ctx); err != nil {
		f.logger.Warn("releasing voicemail pipeline", "error", err)
	}
	f.engine.flowDone(f)

	if msg != nil {
		f.logger.Info("voicemail message recorded",
			"file", msg.File,
			"duration", msg.Duration.Round(time.Second).String(),
		)
		if f.engine.OnMessage != nil {
			f.engine.OnMessage(ctx, *msg)
		}
	} else {
		f.logger.Info("voicemail flow ended without message", "from_dtmf", fromDTMF)
	}
	return true, nil
}
