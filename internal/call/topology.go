package call

import (
	"context"
	"fmt"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// reconfigureLocked re-derives the media topology from the current
// participant count:
//
//	1 participant:  nothing connected yet.
//	2 participants: any hub is torn down and the two endpoints are
//	                cross-connected directly.
//	>2:             a hub is created lazily and every participant is
//	                attached through its own hub port.
//
// Held participants keep their anchor recorded but stay detached. Called
// with the call lock held so no intermediate wiring is observable.
func (c *Call) reconfigureLocked(ctx context.Context) error {
	switch n := len(c.participants); {
	case n <= 1:
		return nil

	case n == 2:
		if c.hub != nil {
			c.releaseHubLocked(ctx)
		}
		pair := make([]*Participant, 0, 2)
		for _, p := range c.participants {
			pair = append(pair, p)
		}
		if err := c.pointLocked(ctx, pair[0], pair[1].endpoint); err != nil {
			return err
		}
		return c.pointLocked(ctx, pair[1], pair[0].endpoint)

	default:
		if c.hub == nil {
			hub, err := c.pipe.CreateHub(ctx)
			if err != nil {
				return fmt.Errorf("creating hub: %w", err)
			}
			c.hub = hub
		}
		for _, p := range c.participants {
			if p.port == nil {
				port, err := c.hub.CreatePort(ctx)
				if err != nil {
					return fmt.Errorf("creating hub port for %s: %w", p.Address, err)
				}
				p.port = port
				if err := port.Connect(ctx, p.endpoint, pipeline.MediaAll); err != nil {
					return fmt.Errorf("connecting hub port to %s: %w", p.Address, err)
				}
			}
			if err := c.pointLocked(ctx, p, p.port); err != nil {
				return err
			}
		}
		return nil
	}
}

// pointLocked makes anchor the element p's media source feeds, detaching
// the source from any previous anchor first. A held participant only
// records the anchor; unhold performs the attach.
func (c *Call) pointLocked(ctx context.Context, p *Participant, anchor pipeline.Element) error {
	if p.attached && p.anchor != nil && (anchor == nil || p.anchor.ID() != anchor.ID()) {
		if err := p.source().Disconnect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching participant source", "address", p.Address, "error", err)
		}
		p.attached = false
	}
	p.anchor = anchor
	if anchor == nil || p.hold || p.attached {
		return nil
	}
	if err := p.source().Connect(ctx, anchor, pipeline.MediaAll); err != nil {
		return fmt.Errorf("attaching %s: %w", p.Address, err)
	}
	p.attached = true
	return nil
}

// releaseHubLocked tears down the multiparty hub and every participant's
// port. Element release severs the port connections on the media server
// side, so the bookkeeping just resets.
func (c *Call) releaseHubLocked(ctx context.Context) {
	for _, p := range c.participants {
		if p.port == nil {
			continue
		}
		c.releaseElement(p.port, "hub port")
		if p.anchor != nil && p.port.ID() == p.anchor.ID() {
			p.anchor = nil
			p.attached = false
		}
		p.port = nil
	}
	c.releaseElement(c.hub, "hub")
	c.hub = nil
	_ = ctx
}

// swapEndpointLocked rewires every topology edge touching p's current
// endpoint over to next and makes next the primary endpoint. The caller
// decides the fate of the old endpoint (released on renegotiation, kept as
// the audio side channel on an RTP upgrade).
func (c *Call) swapEndpointLocked(ctx context.Context, p *Participant, next pipeline.SDPEndpoint) error {
	old := p.endpoint

	// Inbound edge: whatever feeds the old endpoint must feed the new one.
	if p.port != nil {
		if err := p.port.Disconnect(ctx, old, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching hub port", "address", p.Address, "error", err)
		}
		if err := p.port.Connect(ctx, next, pipeline.MediaAll); err != nil {
			return fmt.Errorf("reattaching hub port: %w", err)
		}
	} else {
		for _, peer := range c.participants {
			if peer == p || peer.anchor == nil || peer.anchor.ID() != old.ID() {
				continue
			}
			if err := c.pointLocked(ctx, peer, next); err != nil {
				return err
			}
		}
	}

	// Outbound edge: only when the raw endpoint is the live source (no
	// private-mode overlay in front of it).
	if p.player == nil && p.attached && p.anchor != nil {
		if err := old.Disconnect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching old endpoint", "address", p.Address, "error", err)
		}
		if err := next.Connect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			return fmt.Errorf("attaching new endpoint: %w", err)
		}
	}

	// An active recorder keeps taping the new primary feed.
	if p.recorder != nil {
		if err := old.Disconnect(ctx, p.recorder, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching recorder", "address", p.Address, "error", err)
		}
		if err := next.Connect(ctx, p.recorder, pipeline.MediaAll); err != nil {
			c.logger.Warn("reattaching recorder", "address", p.Address, "error", err)
		}
	}

	// Audio side channel follows the primary endpoint.
	if p.extra != nil {
		if err := p.extra.Disconnect(ctx, old, pipeline.MediaAudio); err != nil {
			c.logger.Warn("detaching side channel", "address", p.Address, "error", err)
		}
		if err := old.Disconnect(ctx, p.extra, pipeline.MediaAudio); err != nil {
			c.logger.Warn("detaching side channel", "address", p.Address, "error", err)
		}
		if err := p.extra.Connect(ctx, next, pipeline.MediaAudio); err != nil {
			c.logger.Warn("reattaching side channel", "address", p.Address, "error", err)
		}
		if err := next.Connect(ctx, p.extra, pipeline.MediaAudio); err != nil {
			c.logger.Warn("reattaching side channel", "address", p.Address, "error", err)
		}
	}

	p.endpoint = next
	return nil
}

// Hold detaches (hold=true) or reattaches (hold=false) address's media
// source from its topology anchor. Returns false without touching the
// pipeline when the participant is already in the requested state. The SIP
// layer signals the telephony side separately.
func (c *Call) Hold(ctx context.Context, address string, hold bool) (bool, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false, ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return false, ErrNoParticipant
	}
	if p.hold == hold {
		c.mu.Unlock()
		return false, nil
	}

	if hold {
		p.hold = true
		if p.attached && p.anchor != nil {
			if err := p.source().Disconnect(ctx, p.anchor, pipeline.MediaAll); err != nil {
				c.logger.Warn("detaching for hold", "address", address, "error", err)
			}
			p.attached = false
		}
	} else {
		p.hold = false
		if !p.attached && p.anchor != nil {
			if err := p.source().Connect(ctx, p.anchor, pipeline.MediaAll); err != nil {
				p.hold = true
				c.mu.Unlock()
				return false, fmt.Errorf("reattaching after unhold: %w", err)
			}
			p.attached = true
		}
	}
	targets := c.notifierTargetsLocked()
	list := c.participantListLocked()
	c.mu.Unlock()

	c.broadcastParticipants(targets, list)

	c.logger.Info("hold state changed", "address", address, "hold", hold)
	return true, nil
}

// Loopback wires address's media back to itself so the participant sees
// and hears their own stream. Used for media path diagnostics.
func (c *Call) Loopback(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		return ErrNoParticipant
	}
	return c.pointLocked(ctx, p, p.endpoint)
}

// SetPrivateMode replaces address's outbound media with a looping overlay
// played from mediaURL (enabled=true) or restores the live feed
// (enabled=false). Idempotent by presence of the overlay player.
func (c *Call) SetPrivateMode(ctx context.Context, address string, enabled bool, mediaURL string) error {
	if !enabled {
		return c.disablePrivateMode(ctx, address)
	}

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
	if p.player != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	player, err := c.pipe.CreatePlayer(ctx, mediaURL)
	if err != nil {
		return fmt.Errorf("creating overlay player: %w", err)
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.releaseElement(player, "player")
		return ErrCallFinished
	}
	p, ok = c.participants[address]
	if !ok {
		c.mu.Unlock()
		c.releaseElement(player, "player")
		return ErrNoParticipant
	}
	if p.player != nil {
		c.mu.Unlock()
		c.releaseElement(player, "player")
		return nil
	}

	// Swap the anchor edge from the live endpoint to the overlay.
	if p.attached && p.anchor != nil {
		if err := p.endpoint.Disconnect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching live feed", "address", address, "error", err)
		}
		if err := player.Connect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.mu.Unlock()
			c.releaseElement(player, "player")
			return fmt.Errorf("attaching overlay: %w", err)
		}
	}
	p.player = player
	player.OnEndOfStream(func() {
		c.loopOverlay(address, player)
	})
	c.mu.Unlock()

	if err := player.Play(ctx); err != nil {
		return fmt.Errorf("starting overlay playback: %w", err)
	}

	c.logger.Info("private mode enabled", "address", address, "url", mediaURL)
	return nil
}

// loopOverlay restarts overlay playback on end-of-stream while private
// mode is still active for the participant.
func (c *Call) loopOverlay(address string, player pipeline.Player) {
	c.mu.Lock()
	p := c.participants[address]
	active := !c.finished && p != nil && p.player == player
	c.mu.Unlock()
	if !active {
		return
	}
	if err := player.Play(context.Background()); err != nil {
		c.logger.Warn("restarting overlay playback", "address", address, "error", err)
	}
}

func (c *Call) disablePrivateMode(ctx context.Context, address string) error {
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
	player := p.player
	if player == nil {
		c.mu.Unlock()
		return nil
	}
	p.player = nil
	if p.attached && p.anchor != nil {
		if err := player.Disconnect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.logger.Warn("detaching overlay", "address", address, "error", err)
		}
		if err := p.endpoint.Connect(ctx, p.anchor, pipeline.MediaAll); err != nil {
			c.mu.Unlock()
			c.releaseElement(player, "player")
			return fmt.Errorf("reattaching live feed: %w", err)
		}
	}
	c.mu.Unlock()

	if err := player.Stop(ctx); err != nil {
		c.logger.Warn("stopping overlay player", "address", address, "error", err)
	}
	c.releaseElement(player, "player")

	c.logger.Info("private mode disabled", "address", address)
	return nil
}

// Renegotiate replaces address's endpoint with a fresh one processing
// newOffer, preserving the participant's slot in the topology. Overlapping
// renegotiations for the same participant are rejected; observers never see
// a half-wired state. Returns the new answer SDP.
func (c *Call) Renegotiate(ctx context.Context, address, newOffer string, n Notifier) (string, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return "", ErrCallFinished
	}
	p, ok := c.participants[address]
	if !ok {
		c.mu.Unlock()
		return "", ErrNoParticipant
	}
	if c.renegotiating[address] {
		c.mu.Unlock()
		return "", ErrRenegotiationPending
	}
	if p.Leg != LegWebRTC {
		c.mu.Unlock()
		return "", fmt.Errorf("renegotiation for %s leg: unsupported", p.Leg)
	}
	c.renegotiating[address] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.renegotiating, address)
		c.mu.Unlock()
	}()

	ep, err := c.pipe.CreateWebRTCEndpoint(ctx)
	if err != nil {
		return "", fmt.Errorf("creating replacement endpoint: %w", err)
	}
	answer, err := c.prepareWebRTCEndpoint(ctx, ep, address, newOffer, n)
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
	p, ok = c.participants[address]
	if !ok {
		c.mu.Unlock()
		c.releaseElement(ep, "webrtc endpoint")
		return "", ErrNoParticipant
	}
	old := p.endpoint
	if err := c.swapEndpointLocked(ctx, p, ep); err != nil {
		c.mu.Unlock()
		c.releaseElement(ep, "webrtc endpoint")
		return "", err
	}
	p.webrtc = ep
	if n != nil {
		p.notifier = n
	}

	buffered := c.earlyICE[address]
	delete(c.earlyICE, address)
	c.mu.Unlock()

	c.releaseElement(old, "replaced endpoint")

	for _, cand := range buffered {
		if err := ep.AddICECandidate(ctx, cand); err != nil {
			c.logger.Warn("applying buffered ice candidate", "address", address, "error", err)
		}
	}
	if err := ep.GatherCandidates(ctx); err != nil {
		c.logger.Warn("gathering ice candidates", "address", address, "error", err)
	}

	c.logger.Info("endpoint renegotiated", "address", address)
	return answer, nil
}
