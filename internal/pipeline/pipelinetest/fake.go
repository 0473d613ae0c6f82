// Package pipelinetest provides an in-memory pipeline implementation that
// records the element graph, so engine tests can assert which elements are
// connected after each state transition without a media server.
package pipelinetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// Factory implements pipeline.Client, handing out fake pipelines.
type Factory struct {
	// FailCreate is copied onto every pipeline this factory creates.
	FailCreate func(kind string) error
	// FailRecord is copied onto every recorder those pipelines create.
	FailRecord error

	mu        sync.Mutex
	pipelines []*Pipeline
	closed    bool
}

// NewFactory creates a fake pipeline factory.
func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) CreatePipeline(ctx context.Context) (pipeline.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Pipeline{
		id:         fmt.Sprintf("pipeline-%d", len(f.pipelines)),
		conns:      make(map[connKey]bool),
		FailCreate: f.FailCreate,
		FailRecord: f.FailRecord,
	}
	f.pipelines = append(f.pipelines, p)
	return p, nil
}

func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Pipelines returns every pipeline created so far.
func (f *Factory) Pipelines() []*Pipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Pipeline(nil), f.pipelines...)
}

// connKey identifies one recorded connection edge.
type connKey struct {
	src, sink string
	media     pipeline.MediaType
}

// Pipeline implements pipeline.Pipeline while recording the element graph.
type Pipeline struct {
	id string

	// FailCreate, when set, is consulted before creating an element of the
	// given kind ("webrtc", "rtp", "hub", "player", "recorder"); a non-nil
	// return aborts the create with that error.
	FailCreate func(kind string) error
	// FailRecord, when set, is returned by Record on every recorder this
	// pipeline creates.
	FailRecord error

	mu           sync.Mutex
	conns        map[connKey]bool
	nextElem     int
	releaseCount int

	webrtcs   []*WebRTCEndpoint
	rtps      []*RTPEndpoint
	hubs      []*Hub
	players   []*Player
	recorders []*Recorder
}

// WebRTCEndpoints returns every WebRTC endpoint created, in order.
func (p *Pipeline) WebRTCEndpoints() []*WebRTCEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*WebRTCEndpoint(nil), p.webrtcs...)
}

// RTPEndpoints returns every RTP endpoint created, in order.
func (p *Pipeline) RTPEndpoints() []*RTPEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*RTPEndpoint(nil), p.rtps...)
}

// Hubs returns every hub created, in order.
func (p *Pipeline) Hubs() []*Hub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Hub(nil), p.hubs...)
}

// Players returns every player created, in order.
func (p *Pipeline) Players() []*Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Player(nil), p.players...)
}

// Recorders returns every recorder created, in order.
func (p *Pipeline) Recorders() []*Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Recorder(nil), p.recorders...)
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) newID(kind string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextElem++
	return fmt.Sprintf("%s/%s-%d", p.id, kind, p.nextElem)
}

func (p *Pipeline) checkCreate(kind string) error {
	p.mu.Lock()
	released := p.releaseCount > 0
	fail := p.FailCreate
	p.mu.Unlock()
	if released {
		return pipeline.ErrReleased
	}
	if fail != nil {
		if err := fail(kind); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) CreateWebRTCEndpoint(ctx context.Context) (pipeline.WebRTCEndpoint, error) {
	if err := p.checkCreate("webrtc"); err != nil {
		return nil, err
	}
	ep := &WebRTCEndpoint{Endpoint: Endpoint{elem: elem{p: p, id: p.newID("webrtc")}}}
	p.mu.Lock()
	p.webrtcs = append(p.webrtcs, ep)
	p.mu.Unlock()
	return ep, nil
}

func (p *Pipeline) CreateRTPEndpoint(ctx context.Context, opts pipeline.RTPOptions) (pipeline.RTPEndpoint, error) {
	if err := p.checkCreate("rtp"); err != nil {
		return nil, err
	}
	ep := &RTPEndpoint{
		Endpoint: Endpoint{elem: elem{p: p, id: p.newID("rtp")}},
		Opts:     opts,
	}
	p.mu.Lock()
	p.rtps = append(p.rtps, ep)
	p.mu.Unlock()
	return ep, nil
}

func (p *Pipeline) CreateHub(ctx context.Context) (pipeline.Hub, error) {
	if err := p.checkCreate("hub"); err != nil {
		return nil, err
	}
	h := &Hub{p: p, id: p.newID("hub")}
	p.mu.Lock()
	p.hubs = append(p.hubs, h)
	p.mu.Unlock()
	return h, nil
}

func (p *Pipeline) CreatePlayer(ctx context.Context, uri string) (pipeline.Player, error) {
	if err := p.checkCreate("player"); err != nil {
		return nil, err
	}
	pl := &Player{elem: elem{p: p, id: p.newID("player")}, URI: uri}
	p.mu.Lock()
	p.players = append(p.players, pl)
	p.mu.Unlock()
	return pl, nil
}

func (p *Pipeline) CreateRecorder(ctx context.Context, uri, profile string) (pipeline.Recorder, error) {
	if err := p.checkCreate("recorder"); err != nil {
		return nil, err
	}
	r := &Recorder{elem: elem{p: p, id: p.newID("recorder")}, URI: uri, Profile: profile, FailRecord: p.FailRecord}
	p.mu.Lock()
	p.recorders = append(p.recorders, r)
	p.mu.Unlock()
	return r, nil
}

func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseCount++
	return nil
}

// ReleaseCount reports how many times Release was invoked.
func (p *Pipeline) ReleaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseCount
}

// Released reports whether the pipeline has been released.
func (p *Pipeline) Released() bool {
	return p.ReleaseCount() > 0
}

// Connected reports whether src's output feeds sink for the given media
// scope. MediaAll matches only an unscoped connection.
func (p *Pipeline) Connected(src, sink pipeline.Element, media pipeline.MediaType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[connKey{src: src.ID(), sink: sink.ID(), media: media}]
}

// ConnectionCount returns the number of live connection edges from src.
func (p *Pipeline) ConnectionCount(src pipeline.Element) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k := range p.conns {
		if k.src == src.ID() {
			n++
		}
	}
	return n
}

func (p *Pipeline) connect(src, sink string, media pipeline.MediaType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[connKey{src: src, sink: sink, media: media}] = true
}

func (p *Pipeline) disconnect(src, sink string, media pipeline.MediaType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, connKey{src: src, sink: sink, media: media})
}

func (p *Pipeline) dropElement(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.conns {
		if k.src == id || k.sink == id {
			delete(p.conns, k)
		}
	}
}

// elem is the shared fake element behavior.
type elem struct {
	p  *Pipeline
	id string

	mu       sync.Mutex
	released bool
}

func (e *elem) ID() string { return e.id }

func (e *elem) Connect(ctx context.Context, sink pipeline.Element, media pipeline.MediaType) error {
	e.mu.Lock()
	released := e.released
	e.mu.Unlock()
	if released {
		return pipeline.ErrReleased
	}
	e.p.connect(e.id, sink.ID(), media)
	return nil
}

func (e *elem) Disconnect(ctx context.Context, sink pipeline.Element, media pipeline.MediaType) error {
	e.p.disconnect(e.id, sink.ID(), media)
	return nil
}

func (e *elem) Release(ctx context.Context) error {
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	e.p.dropElement(e.id)
	return nil
}

// IsReleased reports whether the element was released.
func (e *elem) IsReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Endpoint is the shared fake SDP endpoint behavior. ProcessOffer echoes
// the offer into the answer unless AnswerFunc is set, letting SDP-filter
// tests round-trip real SDP text through the engine.
type Endpoint struct {
	elem

	// AnswerFunc, when set, computes the answer for ProcessOffer.
	AnswerFunc func(offer string) (string, error)
	// Offer is the canned SDP returned by GenerateOffer.
	Offer string

	LastOffer  string
	LastAnswer string
}

func (e *Endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	e.mu.Lock()
	e.LastOffer = offer
	fn := e.AnswerFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(offer)
	}
	return offer, nil
}

func (e *Endpoint) GenerateOffer(ctx context.Context) (string, error) {
	if e.Offer != "" {
		return e.Offer, nil
	}
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 RTP/AVP 0\r\n", nil
}

func (e *Endpoint) ProcessAnswer(ctx context.Context, answer string) error {
	e.mu.Lock()
	e.LastAnswer = answer
	e.mu.Unlock()
	return nil
}

// WebRTCEndpoint is the fake WebRTC leg endpoint.
type WebRTCEndpoint struct {
	Endpoint

	Candidates     []pipeline.ICECandidate
	Gathered       bool
	MaxBandwidth   int
	MinBandwidth   int
	onICE          func(pipeline.ICECandidate)
	onMedia        func()
	StatsByMedia   map[pipeline.MediaType]map[string]any
	StatsErr       error
	statsCallCount int
}

func (w *WebRTCEndpoint) AddICECandidate(ctx context.Context, c pipeline.ICECandidate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return pipeline.ErrReleased
	}
	w.Candidates = append(w.Candidates, c)
	return nil
}

func (w *WebRTCEndpoint) GatherCandidates(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Gathered = true
	return nil
}

func (w *WebRTCEndpoint) OnICECandidate(fn func(pipeline.ICECandidate)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onICE = fn
}

func (w *WebRTCEndpoint) OnMediaConnected(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMedia = fn
}

// FireICECandidate simulates the server gathering a local candidate.
func (w *WebRTCEndpoint) FireICECandidate(c pipeline.ICECandidate) {
	w.mu.Lock()
	fn := w.onICE
	w.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// FireMediaConnected simulates media starting to flow.
func (w *WebRTCEndpoint) FireMediaConnected() {
	w.mu.Lock()
	fn := w.onMedia
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (w *WebRTCEndpoint) SetMaxVideoSendBandwidth(ctx context.Context, kbps int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.MaxBandwidth = kbps
	return nil
}

func (w *WebRTCEndpoint) SetMinVideoSendBandwidth(ctx context.Context, kbps int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.MinBandwidth = kbps
	return nil
}

func (w *WebRTCEndpoint) Stats(ctx context.Context, media pipeline.MediaType) (map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statsCallCount++
	if w.StatsErr != nil {
		return nil, w.StatsErr
	}
	if w.StatsByMedia != nil {
		return w.StatsByMedia[media], nil
	}
	return map[string]any{}, nil
}

// StatsCalls reports how many times Stats was invoked.
func (w *WebRTCEndpoint) StatsCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statsCallCount
}

// RTPEndpoint is the fake telephony leg endpoint.
type RTPEndpoint struct {
	Endpoint

	Opts          pipeline.RTPOptions
	OutputBitrate int
}

func (r *RTPEndpoint) SetOutputBitrate(ctx context.Context, bps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OutputBitrate = bps
	return nil
}

// Hub is the fake mixing hub.
type Hub struct {
	p  *Pipeline
	id string

	mu       sync.Mutex
	ports    []*HubPort
	released bool
}

func (h *Hub) ID() string { return h.id }

func (h *Hub) CreatePort(ctx context.Context) (pipeline.HubPort, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, pipeline.ErrReleased
	}
	port := &HubPort{elem: elem{p: h.p, id: h.p.newID("hubport")}}
	h.ports = append(h.ports, port)
	return port, nil
}

func (h *Hub) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.p.dropElement(h.id)
	return nil
}

// Ports returns every port created on the hub, in order.
func (h *Hub) Ports() []*HubPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*HubPort(nil), h.ports...)
}

// IsReleased reports whether the hub was released.
func (h *Hub) IsReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// HubPort is the fake hub attachment point.
type HubPort struct {
	elem
}

// Player is the fake media file player.
type Player struct {
	elem

	URI       string
	PlayCount int
	Stopped   bool
	onEOS     func()
}

func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return pipeline.ErrReleased
	}
	p.PlayCount++
	p.Stopped = false
	return nil
}

func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stopped = true
	return nil
}

func (p *Player) OnEndOfStream(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEOS = fn
}

// FireEndOfStream simulates playback reaching the end of the source.
func (p *Player) FireEndOfStream() {
	p.mu.Lock()
	fn := p.onEOS
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Recorder is the fake media recorder.
type Recorder struct {
	elem

	URI        string
	Profile    string
	Recording  bool
	Stopped    bool
	FailRecord error
}

func (r *Recorder) Record(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return pipeline.ErrReleased
	}
	if r.FailRecord != nil {
		return r.FailRecord
	}
	r.Recording = true
	return nil
}

func (r *Recorder) StopAndWait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Recording = false
	r.Stopped = true
	return nil
}
