package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// Manager creates calls and tracks the active set. Lookups by participant
// address let the signaling and SIP layers find the call an extension is
// engaged in.
type Manager struct {
	client pipeline.Client
	opts   Options
	logger *slog.Logger

	// OnCallCreated, OnCallFinished, OnMediaConnected and
	// OnRecordingStarted are optional lifecycle hooks, set during wiring
	// before any call exists.
	OnCallCreated      func(callID string, startedAt time.Time)
	OnCallFinished     func(callID, reason string, startedAt time.Time)
	OnMediaConnected   func(callID, address string)
	OnRecordingStarted func(callID, address, file string)

	mu    sync.Mutex
	calls map[string]*Call
}

// NewManager creates a call manager backed by the given pipeline client.
func NewManager(client pipeline.Client, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		opts:   opts,
		logger: logger.With("subsystem", "call-manager"),
		calls:  make(map[string]*Call),
	}
}

// Create allocates a fresh pipeline and a Call on top of it.
func (m *Manager) Create(ctx context.Context) (*Call, error) {
	pipe, err := m.client.CreatePipeline(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating media pipeline: %w", err)
	}

	c := newCall(pipe, m.opts, m.logger)
	c.onFinished = m.callFinished
	c.onMediaConnected = m.OnMediaConnected
	c.onRecordingStarted = m.OnRecordingStarted

	m.mu.Lock()
	m.calls[c.id] = c
	m.mu.Unlock()

	if m.OnCallCreated != nil {
		m.OnCallCreated(c.id, c.startedAt)
	}

	m.logger.Info("call created", "call_id", c.id)
	return c, nil
}

func (m *Manager) callFinished(c *Call, reason string) {
	m.mu.Lock()
	delete(m.calls, c.id)
	m.mu.Unlock()

	if m.OnCallFinished != nil {
		m.OnCallFinished(c.id, reason, c.startedAt)
	}
}

// Get returns the active call with the given id, or nil.
func (m *Manager) Get(id string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// ByParticipant returns the active call address is engaged in, or nil.
func (m *Manager) ByParticipant(address string) *Call {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		if c.HasParticipant(address) {
			return c
		}
	}
	return nil
}

// ActiveCalls returns the number of calls currently live.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// FinishAll terminates every active call. Used during shutdown.
func (m *Manager) FinishAll(ctx context.Context, reason string) {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.Finish(ctx, reason)
	}
	if len(calls) > 0 {
		m.logger.Info("all calls finished", "count", len(calls), "reason", reason)
	}
}

// StatsSample is one endpoint statistics snapshot for a media type.
type StatsSample struct {
	CallID  string
	Address string
	Media   pipeline.MediaType
	At      time.Time
	Data    map[string]any
}

// CollectStats fetches audio and video statistics from every WebRTC leg of
// the call. Fetch failures are logged and skipped; stats are advisory.
func (c *Call) CollectStats(ctx context.Context) []StatsSample {
	c.mu.Lock()
	type target struct {
		address string
		ep      pipeline.WebRTCEndpoint
	}
	targets := make([]target, 0, len(c.participants))
	for _, p := range c.participants {
		if p.webrtc != nil {
			targets = append(targets, target{address: p.Address, ep: p.webrtc})
		}
	}
	c.mu.Unlock()

	now := time.Now()
	var samples []StatsSample
	for _, t := range targets {
		for _, media := range []pipeline.MediaType{pipeline.MediaAudio, pipeline.MediaVideo} {
			data, err := t.ep.Stats(ctx, media)
			if err != nil {
				c.logger.Debug("fetching endpoint stats", "address", t.address, "media", media, "error", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			samples = append(samples, StatsSample{
				CallID:  c.id,
				Address: t.address,
				Media:   media,
				At:      now,
				Data:    data,
			})
		}
	}
	return samples
}

// RunStatsCollector periodically gathers endpoint statistics from every
// active call and hands them to sink, until ctx is canceled.
func (m *Manager) RunStatsCollector(ctx context.Context, interval time.Duration, sink func(context.Context, []StatsSample) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("stats collector started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stats collector stopped")
			return
		case <-ticker.C:
			m.mu.Lock()
			calls := make([]*Call, 0, len(m.calls))
			for _, c := range m.calls {
				calls = append(calls, c)
			}
			m.mu.Unlock()

			var samples []StatsSample
			for _, c := range calls {
				samples = append(samples, c.CollectStats(ctx)...)
			}
			if len(samples) == 0 {
				continue
			}
			if err := sink(ctx, samples); err != nil {
				m.logger.Warn("persisting endpoint stats", "count", len(samples), "error", err)
			}
		}
	}
}
