// Package voicemail answers calls that no client can take. Each caller
// gets a dedicated media pipeline: the instruction prompts play in
// sequence, then the keypad (or the end of the sequence) drives a small
// state machine that records a message into the mailbox directory.
package voicemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// Config holds the voicemail engine settings.
type Config struct {
	// Dir is where recorded messages are written.
	Dir string
	// Instructions are the prompt media played in sequence before
	// recording. File and http URIs are accepted.
	Instructions []string
	// PromptRepeat is how many times a visual (image or video) prompt
	// loops before the sequence advances. Audio prompts always play once.
	PromptRepeat int
	// MaxDuration force-finishes a recording that runs too long.
	MaxDuration time.Duration
	// Profile is the recording media profile.
	Profile string
}

// Message is one recorded voicemail.
type Message struct {
	ID         string
	Caller     string
	Mailbox    string
	File       string
	Duration   time.Duration
	RecordedAt time.Time
}

// Engine creates voicemail flows. Each flow owns its pipeline; the engine
// only tracks the active set and fans out finished messages.
type Engine struct {
	client pipeline.Client
	cfg    Config
	logger *slog.Logger

	// OnMessage is invoked once per recorded message, after the flow's
	// pipeline is released. Set during wiring.
	OnMessage func(ctx context.Context, msg Message)

	mu     sync.Mutex
	active map[string]*Flow
}

// NewEngine creates a voicemail engine on the shared pipeline client.
func NewEngine(client pipeline.Client, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PromptRepeat < 1 {
		cfg.PromptRepeat = 1
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "voicemail"),
		active: make(map[string]*Flow),
	}
}

// ActiveFlows returns the number of callers currently in voicemail.
func (e *Engine) ActiveFlows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Answer starts a flow for caller's offer addressed to mailbox. It returns
// the media answer for the caller's RTP leg and the running flow.
func (e *Engine) Answer(ctx context.Context, caller, mailbox, offer string) (string, *Flow, error) {
	if len(e.cfg.Instructions) == 0 {
		return "", nil, errors.New("no instruction media configured")
	}
	pipe, err := e.client.CreatePipeline(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("creating voicemail pipeline: %w", err)
	}

	f := &Flow{
		id:      uuid.NewString(),
		engine:  e,
		pipe:    pipe,
		caller:  caller,
		mailbox: mailbox,
		state:   StateGreeting,
		logger: e.logger.With(
			"caller", caller,
			"mailbox", mailbox,
		),
	}

	answer, err := f.setup(ctx, offer)
	if err != nil {
		if relErr := pipe.Release(ctx); relErr != nil {
			e.logger.Warn("releasing failed voicemail pipeline", "error", relErr)
		}
		return "", nil, err
	}

	e.mu.Lock()
	e.active[f.id] = f
	e.mu.Unlock()

	e.logger.Info("voicemail flow started", "caller", caller, "mailbox", mailbox)
	return answer, f, nil
}

func (e *Engine) flowDone(f *Flow) {
	e.mu.Lock()
	delete(e.active, f.id)
	e.mu.Unlock()
}

// visualPrompt reports whether uri points at image or video media, which
// loops PromptRepeat times instead of playing once.
func visualPrompt(uri string) bool {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".mp3", ".wav", ".ogg", ".opus":
		return false
	}
	return true
}

// messageFile builds the recording path for a mailbox. The extension
// follows the media profile.
func (e *Engine) messageFile(mailbox, caller, flowID string) string {
	ext := ".mp4"
	if strings.HasPrefix(e.cfg.Profile, "WEBM") {
		ext = ".webm"
	}
	name := fmt.Sprintf("%s-%s-%s%s", mailbox, caller, flowID[:8], ext)
	return filepath.Join(e.cfg.Dir, name)
}
