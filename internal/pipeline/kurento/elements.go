package kurento

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// mediaPipeline implements pipeline.Pipeline over one Kurento MediaPipeline
// object.
type mediaPipeline struct {
	client *Client
	id     string

	mu       sync.Mutex
	released bool
}

func (p *mediaPipeline) ID() string { return p.id }

func (p *mediaPipeline) checkReleased() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return pipeline.ErrReleased
	}
	return nil
}

func (p *mediaPipeline) CreateWebRTCEndpoint(ctx context.Context) (pipeline.WebRTCEndpoint, error) {
	if err := p.checkReleased(); err != nil {
		return nil, err
	}
	id, err := p.client.create(ctx, "WebRtcEndpoint", map[string]any{"mediaPipeline": p.id})
	if err != nil {
		return nil, err
	}
	return &webRTCEndpoint{element: element{client: p.client, id: id}}, nil
}

func (p *mediaPipeline) CreateRTPEndpoint(ctx context.Context, opts pipeline.RTPOptions) (pipeline.RTPEndpoint, error) {
	if err := p.checkReleased(); err != nil {
		return nil, err
	}
	ctor := map[string]any{"mediaPipeline": p.id}
	if opts.CryptoSuite != "" {
		ctor["crypto"] = map[string]any{
			"crypto": opts.CryptoSuite,
			"key":    opts.Key,
		}
	}
	id, err := p.client.create(ctx, "RtpEndpoint", ctor)
	if err != nil {
		return nil, err
	}
	return &rtpEndpoint{element: element{client: p.client, id: id}}, nil
}

func (p *mediaPipeline) CreateHub(ctx context.Context) (pipeline.Hub, error) {
	if err := p.checkReleased(); err != nil {
		return nil, err
	}
	id, err := p.client.create(ctx, "Composite", map[string]any{"mediaPipeline": p.id})
	if err != nil {
		return nil, err
	}
	return &hub{client: p.client, id: id}, nil
}

func (p *mediaPipeline) CreatePlayer(ctx context.Context, uri string) (pipeline.Player, error) {
	if err := p.checkReleased(); err != nil {
		return nil, err
	}
	id, err := p.client.create(ctx, "PlayerEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           uri,
	})
	if err != nil {
		return nil, err
	}
	return &player{element: element{client: p.client, id: id}}, nil
}

func (p *mediaPipeline) CreateRecorder(ctx context.Context, uri, profile string) (pipeline.Recorder, error) {
	if err := p.checkReleased(); err != nil {
		return nil, err
	}
	id, err := p.client.create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           uri,
		"mediaProfile":  profile,
	})
	if err != nil {
		return nil, err
	}
	return &recorder{element: element{client: p.client, id: id}}, nil
}

func (p *mediaPipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()

	err := p.client.release(ctx, p.id)
	p.client.unsubscribeObject(p.id)
	return err
}

// element holds the shared behavior of all connectable media objects.
type element struct {
	client *Client
	id     string
}

func (e *element) ID() string { return e.id }

func (e *element) Connect(ctx context.Context, sink pipeline.Element, media pipeline.MediaType) error {
	params := map[string]any{"sink": sink.ID()}
	if media != pipeline.MediaAll {
		params["mediaType"] = string(media)
	}
	return e.client.invoke(ctx, e.id, "connect", params, nil)
}

func (e *element) Disconnect(ctx context.Context, sink pipeline.Element, media pipeline.MediaType) error {
	params := map[string]any{"sink": sink.ID()}
	if media != pipeline.MediaAll {
		params["mediaType"] = string(media)
	}
	return e.client.invoke(ctx, e.id, "disconnect", params, nil)
}

func (e *element) Release(ctx context.Context) error {
	err := e.client.release(ctx, e.id)
	e.client.unsubscribeObject(e.id)
	return err
}

func (e *element) processOffer(ctx context.Context, offer string) (string, error) {
	var answer string
	err := e.client.invoke(ctx, e.id, "processOffer", map[string]any{"offer": offer}, &answer)
	return answer, err
}

func (e *element) generateOffer(ctx context.Context) (string, error) {
	var offer string
	err := e.client.invoke(ctx, e.id, "generateOffer", nil, &offer)
	return offer, err
}

func (e *element) processAnswer(ctx context.Context, answer string) error {
	return e.client.invoke(ctx, e.id, "processAnswer", map[string]any{"answer": answer}, nil)
}

// webRTCEndpoint implements pipeline.WebRTCEndpoint.
type webRTCEndpoint struct {
	element
}

func (w *webRTCEndpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	return w.processOffer(ctx, offer)
}

func (w *webRTCEndpoint) GenerateOffer(ctx context.Context) (string, error) {
	return w.generateOffer(ctx)
}

func (w *webRTCEndpoint) ProcessAnswer(ctx context.Context, answer string) error {
	return w.processAnswer(ctx, answer)
}

func (w *webRTCEndpoint) AddICECandidate(ctx context.Context, c pipeline.ICECandidate) error {
	return w.client.invoke(ctx, w.id, "addIceCandidate", map[string]any{
		"candidate": map[string]any{
			"candidate":     c.Candidate,
			"sdpMid":        c.SDPMid,
			"sdpMLineIndex": c.SDPMLineIndex,
		},
	}, nil)
}

func (w *webRTCEndpoint) GatherCandidates(ctx context.Context) error {
	return w.client.invoke(ctx, w.id, "gatherCandidates", nil, nil)
}

func (w *webRTCEndpoint) OnICECandidate(fn func(pipeline.ICECandidate)) {
	// Subscription errors surface on first use of the endpoint; the
	// candidate stream is best-effort until then.
	ctx := context.Background()
	err := w.client.subscribe(ctx, w.id, "OnIceCandidate", func(data json.RawMessage) {
		var evt struct {
			Candidate pipeline.ICECandidate `json:"candidate"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			w.client.logger.Warn("malformed ice candidate event", "endpoint", w.id, "error", err)
			return
		}
		fn(evt.Candidate)
	})
	if err != nil {
		w.client.logger.Warn("failed to subscribe to ice candidates", "endpoint", w.id, "error", err)
	}
}

func (w *webRTCEndpoint) OnMediaConnected(fn func()) {
	ctx := context.Background()
	err := w.client.subscribe(ctx, w.id, "MediaStateChanged", func(data json.RawMessage) {
		var evt struct {
			NewState string `json:"newState"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		if evt.NewState == "CONNECTED" {
			fn()
		}
	})
	if err != nil {
		w.client.logger.Warn("failed to subscribe to media state", "endpoint", w.id, "error", err)
	}
}

func (w *webRTCEndpoint) SetMaxVideoSendBandwidth(ctx context.Context, kbps int) error {
	return w.client.invoke(ctx, w.id, "setMaxVideoSendBandwidth", map[string]any{"maxVideoSendBandwidth": kbps}, nil)
}

func (w *webRTCEndpoint) SetMinVideoSendBandwidth(ctx context.Context, kbps int) error {
	return w.client.invoke(ctx, w.id, "setMinVideoSendBandwidth", map[string]any{"minVideoSendBandwidth": kbps}, nil)
}

func (w *webRTCEndpoint) Stats(ctx context.Context, media pipeline.MediaType) (map[string]any, error) {
	var stats map[string]any
	err := w.client.invoke(ctx, w.id, "getStats", map[string]any{"mediaType": string(media)}, &stats)
	return stats, err
}

// rtpEndpoint implements pipeline.RTPEndpoint.
type rtpEndpoint struct {
	element
}

func (r *rtpEndpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	return r.processOffer(ctx, offer)
}

func (r *rtpEndpoint) GenerateOffer(ctx context.Context) (string, error) {
	return r.generateOffer(ctx)
}

func (r *rtpEndpoint) ProcessAnswer(ctx context.Context, answer string) error {
	return r.processAnswer(ctx, answer)
}

func (r *rtpEndpoint) SetOutputBitrate(ctx context.Context, bps int) error {
	return r.client.invoke(ctx, r.id, "setOutputBitrate", map[string]any{"bitrate": bps}, nil)
}

// hub implements pipeline.Hub over a Composite mixer.
type hub struct {
	client *Client
	id     string
}

func (h *hub) ID() string { return h.id }

func (h *hub) CreatePort(ctx context.Context) (pipeline.HubPort, error) {
	id, err := h.client.create(ctx, "HubPort", map[string]any{"hub": h.id})
	if err != nil {
		return nil, err
	}
	return &hubPort{element: element{client: h.client, id: id}}, nil
}

func (h *hub) Release(ctx context.Context) error {
	err := h.client.release(ctx, h.id)
	h.client.unsubscribeObject(h.id)
	return err
}

// hubPort implements pipeline.HubPort.
type hubPort struct {
	element
}

// player implements pipeline.Player.
type player struct {
	element
}

func (p *player) Play(ctx context.Context) error {
	return p.client.invoke(ctx, p.id, "play", nil, nil)
}

func (p *player) Stop(ctx context.Context) error {
	return p.client.invoke(ctx, p.id, "stop", nil, nil)
}

func (p *player) OnEndOfStream(fn func()) {
	ctx := context.Background()
	err := p.client.subscribe(ctx, p.id, "EndOfStream", func(json.RawMessage) {
		fn()
	})
	if err != nil {
		p.client.logger.Warn("failed to subscribe to end of stream", "player", p.id, "error", err)
	}
}

// recorder implements pipeline.Recorder.
type recorder struct {
	element
}

func (r *recorder) Record(ctx context.Context) error {
	return r.client.invoke(ctx, r.id, "record", nil, nil)
}

func (r *recorder) StopAndWait(ctx context.Context) error {
	return r.client.invoke(ctx, r.id, "stopAndWait", nil, nil)
}
