// Package call implements the session topology engine: each Call owns a
// media pipeline and a set of participants, and keeps the pipeline graph
// consistent while participants join, leave, hold, renegotiate, record and
// switch between one-to-one and multiparty mixing.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acebridge/acebridge/internal/pipeline"
)

var (
	// ErrCallFinished is returned when an operation targets a call whose
	// pipeline has already been released.
	ErrCallFinished = errors.New("call already finished")
	// ErrNoParticipant is returned when an operation targets an address
	// that has no participant in the call.
	ErrNoParticipant = errors.New("no such participant")
	// ErrParticipantExists is returned when a WebRTC leg is added for an
	// address that already has one.
	ErrParticipantExists = errors.New("participant already in call")
	// ErrRenegotiationPending rejects a renegotiation that arrives while a
	// prior one for the same participant is still in flight.
	ErrRenegotiationPending = errors.New("renegotiation already in progress")
)

// Options configure media behavior shared by every call a Manager creates.
type Options struct {
	// VideoCodec is the only video codec kept when filtering offers,
	// e.g. "H264". Redundancy codecs (RTX/RED/ULPFEC) survive alongside it.
	VideoCodec string
	// H264Profile, when set, replaces the fmtp parameters of kept H264
	// payloads (e.g. "profile-level-id=42e01f;packetization-mode=1").
	H264Profile string

	// MaxVideoKbps / MinVideoKbps cap WebRTC video send bandwidth. Zero
	// leaves the pipeline default.
	MaxVideoKbps int
	MinVideoKbps int
	// RTPMaxBitrate caps the output bitrate of RTP endpoints, in bps.
	RTPMaxBitrate int

	// RecordingDir is where recorder output files are written.
	RecordingDir string
	// RecordingProfile selects the recorder container/profile, e.g. "MP4".
	RecordingProfile string
	// RecordingLimit force-stops a recording that runs longer than this.
	// Zero disables the limit.
	RecordingLimit time.Duration
	// RecordAll starts recording a participant as soon as its media
	// connects.
	RecordAll bool
}

// Call is one active session: a set of participants connected through a
// dedicated media pipeline. All topology mutations are serialized by mu;
// slow pipeline RPCs that create or destroy elements run outside the lock
// and re-validate call state when they resume.
type Call struct {
	id     string
	opts   Options
	pipe   pipeline.Pipeline
	logger *slog.Logger

	// onFinished is invoked exactly once, outside the lock, after the
	// pipeline is released. Set by the Manager to drop its reference.
	onFinished func(*Call, string)
	// onMediaConnected fires when a WebRTC participant's media starts
	// flowing. Optional.
	onMediaConnected func(callID, address string)
	// onRecordingStarted fires after a recorder begins writing. Optional.
	onRecordingStarted func(callID, address, file string)

	mu            sync.Mutex
	participants  map[string]*Participant
	hub           pipeline.Hub
	earlyICE      map[string][]pipeline.ICECandidate
	renegotiating map[string]bool
	finished      bool
	startedAt     time.Time
}

func newCall(pipe pipeline.Pipeline, opts Options, logger *slog.Logger) *Call {
	id := uuid.NewString()
	return &Call{
		id:            id,
		opts:          opts,
		pipe:          pipe,
		logger:        logger.With("call_id", id),
		participants:  make(map[string]*Participant),
		earlyICE:      make(map[string][]pipeline.ICECandidate),
		renegotiating: make(map[string]bool),
		startedAt:     time.Now(),
	}
}

// ID returns the call's unique identifier.
func (c *Call) ID() string { return c.id }

// StartedAt returns when the call was created.
func (c *Call) StartedAt() time.Time { return c.startedAt }

// Finished reports whether the call has terminated.
func (c *Call) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// HasParticipant reports whether address currently has a leg in the call.
func (c *Call) HasParticipant(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.participants[address]
	return ok
}

// ParticipantCount returns the number of active legs.
func (c *Call) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// Participants returns a snapshot of the participant list, sorted by
// address.
func (c *Call) Participants() []ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantListLocked()
}

func (c *Call) participantListLocked() []ParticipantInfo {
	list := make([]ParticipantInfo, 0, len(c.participants))
	for _, p := range c.participants {
		list = append(list, ParticipantInfo{
			Ext:    p.Address,
			Type:   string(p.Leg),
			OnHold: p.hold,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Ext < list[j].Ext })
	return list
}

// AddWebRTCParticipant adds (or upgrades) a WebRTC leg for address. The
// offer is codec-filtered to the configured video codec before processing;
// the returned SDP is the answer for the client. If address already has an
// RTP leg, that leg is upgraded: the new endpoint becomes primary and the
// old RTP endpoint is kept as an audio side channel.
func (c *Call) AddWebRTCParticipant(ctx context.Context, address, offer string, n Notifier) (string, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return "", ErrCallFinished
	}
	prior := c.participants[address]
	if prior != nil && prior.Leg == LegWebRTC {
		c.mu.Unlock()
		return "", ErrParticipantExists
	}
	c.mu.Unlock()

	ep, err := c.pipe.CreateWebRTCEndpoint(ctx)
	if err != nil {
		return "", fmt.Errorf("creating webrtc endpoint: %w", err)
	}

	answer, err := c.prepareWebRTCEndpoint(ctx, ep, address, offer, n)
	if err != nil {
		c.releaseElement(ep, "webrtc endpoint")
		return "", err
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.releaseElement(ep, "webrtc endpoint")
		return "", ErrCallFinished
	}
	// Re-resolve: the leg may have been removed or replaced while the
	// offer/answer exchange was in flight.
	prior = c.participants[address]
	if prior != nil && prior.Leg == LegWebRTC {
		c.mu.Unlock()
		c.releaseElement(ep, "webrtc endpoint")
		return "", ErrParticipantExists
	}

	var p *Participant
	if prior != nil {
		// RTP leg upgrade: swap the primary endpoint and keep the old RTP
		// endpoint as an audio-only side channel.
		p = prior
		if err := c.swapEndpointLocked(ctx, p, ep); err != nil {
			c.mu.Unlock()
			c.releaseElement(ep, "webrtc endpoint")
			return "", err
		}
		p.extra = p.rtp
		p.rtp = nil
		p.webrtc = ep
		p.Leg = LegWebRTC
		p.notifier = n
		if p.extra != nil {
			// Audio keeps flowing over the telephony leg in both
			// directions.
			if err := p.extra.Connect(ctx, ep, pipeline.MediaAudio); err != nil {
				c.logger.Warn("connecting audio side channel", "address", address, "error", err)
			}
			if err := ep.Connect(ctx, p.extra, pipeline.MediaAudio); err != nil {
				c.logger.Warn("connecting audio side channel", "address", address, "error", err)
			}
		}
	} else {
		p = &Participant{
			Address:  address,
			Leg:      LegWebRTC,
			endpoint: ep,
			webrtc:   ep,
			notifier: n,
		}
		c.participants[address] = p
	}

	buffered := c.earlyICE[address]
	delete(c.earlyICE, address)

	if err := c.reconfigureLocked(ctx); err != nil {
		c.mu.Unlock()
		c.logger.Error("reconfiguring topology", "address", address, "error", err)
		// The participant is registered; a wiring failure here surfaces to
		// the initiator but does not tear the call down.
		return "", fmt.Errorf("wiring participant: %w", err)
	}
	targets := c.notifierTargetsLocked()
	list := c.participantListLocked()
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := ep.AddICECandidate(ctx, cand); err != nil {
			c.logger.Warn("applying buffered ice candidate", "address", address, "error", err)
		}
	}
	if err := ep.GatherCandidates(ctx); err != nil {
		c.logger.Warn("gathering ice candidates", "address", address, "error", err)
	}

	c.broadcastParticipants(targets, list)

	c.logger.Info("participant added",
		"address", address,
		"leg", LegWebRTC,
		"upgraded", prior != nil,
		"participants", len(list),
	)
	return answer, nil
}

// prepareWebRTCEndpoint applies codec filtering, bandwidth hints and event
// wiring, and runs the offer/answer exchange. Runs outside the call lock.
func (c *Call) prepareWebRTCEndpoint(ctx context.Context, ep pipeline.WebRTCEndpoint, address, offer string, n Notifier) (string, error) {
	filtered, err := FilterVideoCodecs(offer, c.opts.VideoCodec, c.opts.H264Profile)
	if err != nil {
		return "", fmt.Errorf("filtering offer codecs: %w", err)
	}

	if c.opts.MaxVideoKbps > 0 {
		if err := ep.SetMaxVideoSendBandwidth(ctx, c.opts.MaxVideoKbps); err != nil {
			c.logger.Warn("setting max video bandwidth", "address", address, "error", err)
		}
	}
	if c.opts.MinVideoKbps > 0 {
		if err := ep.SetMinVideoSendBandwidth(ctx, c.opts.MinVideoKbps); err != nil {
			c.logger.Warn("setting min video bandwidth", "address", address, "error", err)
		}
	}

	if n != nil {
		ep.OnICECandidate(func(cand pipeline.ICECandidate) {
			n.SendICECandidate(cand)
		})
	}
	ep.OnMediaConnected(func() {
		c.mediaConnected(address)
	})

	answer, err := ep.ProcessOffer(ctx, filtered)
	if err != nil {
		return "", fmt.Errorf("processing offer: %w", err)
	}
	return answer, nil
}

// mediaConnected handles a WebRTC leg's media starting to flow: fires the
// hook and, when record-all is on, starts recording the leg.
func (c *Call) mediaConnected(address string) {
	if c.onMediaConnected != nil {
		c.onMediaConnected(c.id, address)
	}
	if c.opts.RecordAll {
		if _, err := c.ToggleRecording(context.Background(), address, true); err != nil {
			c.logger.Warn("auto-starting recording", "address", address, "error", err)
		}
	}
}

// AddRTPParticipant adds a telephony leg for address. With a non-empty
// offer (inbound SIP INVITE) the returned SDP is the answer; with an empty
// offer the endpoint generates one (server-initiated leg) and the caller
// must complete the exchange with CompleteRTPAnswer once the far end
// answers.
func (c *Call) AddRTPParticipant(ctx context.Context, address, offer string, rtpOpts pipeline.RTPOptions) (string, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return "", ErrCallFinished
	}
	if _, ok := c.participants[address]; ok {
		c.mu.Unlock()
		return "", ErrParticipantExists
	}
	c.mu.Unlock()

	ep, err := c.pipe.CreateRTPEndpoint(ctx, rtpOpts)
	if err != nil {
		return "", fmt.Errorf("creating rtp endpoint: %w", err)
	}

	if c.opts.RTPMaxBitrate > 0 {
		if err := ep.SetOutputBitrate(ctx, c.opts.RTPMaxBitrate); err != nil {
			c.logger.Warn("setting rtp output bitrate", "address", address, "error", err)
		}
	}

	var sdp string
	if offer != "" {
		sdp, err = ep.ProcessOffer(ctx, offer)
		if err != nil {
			c.releaseElement(ep, "rtp endpoint")
			return "", fmt.Errorf("processing rtp offer: %w", err)
		}
	} else {
		sdp, err = ep.GenerateOffer(ctx)
		if err != nil {
			c.releaseElement(ep, "rtp endpoint")
			return "", fmt.Errorf("generating rtp offer: %w", err)
		}
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.releaseElement(ep, "rtp endpoint")
		return "", ErrCallFinished
	}
	if _, ok := c.participants[address]; ok {
		c.mu.Unlock()
		c.releaseElement(ep, "rtp endpoint")
		return "", ErrParticipantExists
	}
	p := &Participant{
		Address:  address,
		Leg:      LegRTP,
		endpoint: ep,
		rtp:      ep,
	}
	c.participants[address] = p
	if err := c.reconfigureLocked(ctx); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("wiring participant: %w", err)
	}
	targets := c.notifierTargetsLocked()
	list := c.participantListLocked()
	c.mu.Unlock()

	c.broadcastParticipants(targets, list)

	c.logger.Info("participant added",
		"address", address,
		"leg", LegRTP,
		"participants", len(list),
	)
	return sdp, nil
}

// CompleteRTPAnswer finishes the offer/answer exchange of a
// server-initiated RTP leg with the answer from the far end.
func (c *Call) CompleteRTPAnswer(ctx context.Context, address, answer string) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return ErrNoParticipant
	}
	ep := p.endpoint
	c.mu.Unlock()

	if err := ep.ProcessAnswer(ctx, answer); err != nil {
		return fmt.Errorf("processing rtp answer: %w", err)
	}
	return nil
}

// AddICECandidate applies a remote candidate to address's WebRTC endpoint,
// buffering it if no WebRTC leg exists yet for that address.
func (c *Call) AddICECandidate(ctx context.Context, address string, cand pipeline.ICECandidate) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrCallFinished
	}
	p := c.participants[address]
	if p == nil || p.webrtc == nil {
		c.earlyICE[address] = append(c.earlyICE[address], cand)
		c.mu.Unlock()
		return nil
	}
	ep := p.webrtc
	c.mu.Unlock()
	return ep.AddICECandidate(ctx, cand)
}

// RemoveParticipant tears down address's leg. When at most one participant
// remains afterwards the call finishes: remaining participants are notified
// and the pipeline is released exactly once. Teardown is best-effort; a
// failed release never blocks the rest.
func (c *Call) RemoveParticipant(ctx context.Context, address, reason string) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return ErrNoParticipant
	}
	delete(c.participants, address)
	delete(c.earlyICE, address)

	if len(c.participants) <= 1 {
		c.finishLocked(ctx, reason)
		return nil
	}

	c.mu.Unlock()
	c.teardownParticipant(ctx, p)

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	if err := c.reconfigureLocked(ctx); err != nil {
		c.logger.Error("reconfiguring after leave", "address", address, "error", err)
	}
	targets := c.notifierTargetsLocked()
	list := c.participantListLocked()
	c.mu.Unlock()

	c.broadcastParticipants(targets, list)

	c.logger.Info("participant removed",
		"address", address,
		"reason", reason,
		"participants", len(list),
	)
	return nil
}

// Finish terminates the call regardless of participant count. Idempotent.
func (c *Call) Finish(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finishLocked(ctx, reason)
}

// finishLocked marks the call finished, notifies every remaining
// participant, finalizes recorders and releases the pipeline. Called with
// the lock held; returns with it released.
func (c *Call) finishLocked(ctx context.Context, reason string) {
	c.finished = true
	remaining := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		remaining = append(remaining, p)
	}
	c.participants = make(map[string]*Participant)
	c.hub = nil
	c.mu.Unlock()

	for _, p := range remaining {
		if p.recordTimer != nil {
			p.recordTimer.Stop()
		}
		if p.recorder != nil {
			// Finalize the file before the pipeline goes away.
			if err := p.recorder.StopAndWait(ctx); err != nil {
				c.logger.Warn("stopping recorder on finish", "address", p.Address, "error", err)
			}
		}
		if p.notifier != nil {
			p.notifier.SendSessionStopped(c.id, p.Address, reason)
		}
	}

	// Releasing the pipeline releases every element it owns.
	if err := c.pipe.Release(ctx); err != nil {
		c.logger.Warn("releasing pipeline", "error", err)
	}

	c.logger.Info("call finished", "reason", reason, "duration", time.Since(c.startedAt))

	if c.onFinished != nil {
		c.onFinished(c, reason)
	}
}

// teardownParticipant releases a removed participant's resources in order:
// recorder, player, hub port, side channel, endpoint. Every step is
// independent; failures are logged and the rest continues.
func (c *Call) teardownParticipant(ctx context.Context, p *Participant) {
	if p.recordTimer != nil {
		p.recordTimer.Stop()
		p.recordTimer = nil
	}
	if p.recorder != nil {
		if err := p.recorder.StopAndWait(ctx); err != nil {
			c.logger.Warn("stopping recorder", "address", p.Address, "error", err)
		}
		c.releaseElement(p.recorder, "recorder")
		p.recorder = nil
	}
	if p.player != nil {
		if err := p.player.Stop(ctx); err != nil {
			c.logger.Warn("stopping overlay player", "address", p.Address, "error", err)
		}
		c.releaseElement(p.player, "player")
		p.player = nil
	}
	if p.port != nil {
		c.releaseElement(p.port, "hub port")
		p.port = nil
	}
	if p.extra != nil {
		c.releaseElement(p.extra, "rtp side channel")
		p.extra = nil
	}
	c.releaseElement(p.endpoint, "endpoint")
}

// releaseElement is best-effort element release with logging.
func (c *Call) releaseElement(el interface {
	Release(context.Context) error
}, kind string) {
	if el == nil {
		return
	}
	if err := el.Release(context.Background()); err != nil && !errors.Is(err, pipeline.ErrReleased) {
		c.logger.Warn("releasing "+kind, "error", err)
	}
}

// notifierTargetsLocked snapshots the notifiers to broadcast to.
func (c *Call) notifierTargetsLocked() []Notifier {
	targets := make([]Notifier, 0, len(c.participants))
	for _, p := range c.participants {
		if p.notifier != nil {
			targets = append(targets, p.notifier)
		}
	}
	return targets
}

func (c *Call) broadcastParticipants(targets []Notifier, list []ParticipantInfo) {
	for _, n := range targets {
		n.SendParticipantList(list)
	}
}
