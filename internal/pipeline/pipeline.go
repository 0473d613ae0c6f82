// Package pipeline defines the narrow interfaces through which the call
// engine drives an external media-processing server. A pipeline is a graph
// of media elements (endpoints, hubs, players, recorders) that the engine
// creates, connects and releases; offer/answer negotiation and codec
// processing happen inside the media server and are opaque to callers.
//
// The production implementation lives in the kurento subpackage; tests use
// the in-memory fake in pipelinetest.
package pipeline

import (
	"context"
	"errors"
)

// MediaType scopes a connection between two elements to one media kind.
// The empty value connects all media.
type MediaType string

const (
	MediaAll   MediaType = ""
	MediaAudio MediaType = "AUDIO"
	MediaVideo MediaType = "VIDEO"
)

// ErrReleased is returned by operations on an element or pipeline that has
// already been released.
var ErrReleased = errors.New("pipeline: element released")

// ICECandidate is a trickle ICE candidate exchanged with a WebRTC endpoint.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Client creates media pipelines on the media server. One client is shared
// by all calls; each call owns exactly one Pipeline.
type Client interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// Pipeline is one isolated media-element graph. All elements created from a
// pipeline are destroyed when the pipeline is released.
type Pipeline interface {
	ID() string

	CreateWebRTCEndpoint(ctx context.Context) (WebRTCEndpoint, error)
	CreateRTPEndpoint(ctx context.Context, opts RTPOptions) (RTPEndpoint, error)
	CreateHub(ctx context.Context) (Hub, error)
	CreatePlayer(ctx context.Context, uri string) (Player, error)
	CreateRecorder(ctx context.Context, uri, profile string) (Recorder, error)

	// Release destroys the pipeline and every element in it. Safe to call
	// once; further element operations return ErrReleased.
	Release(ctx context.Context) error
}

// Element is any node in the pipeline graph. Connect wires this element's
// output to the sink's input; Disconnect undoes a prior Connect with the
// same media scope.
type Element interface {
	ID() string
	Connect(ctx context.Context, sink Element, media MediaType) error
	Disconnect(ctx context.Context, sink Element, media MediaType) error
	Release(ctx context.Context) error
}

// SDPEndpoint is an element that terminates a media session negotiated via
// SDP offer/answer.
type SDPEndpoint interface {
	Element

	// ProcessOffer consumes a remote offer and returns the local answer.
	ProcessOffer(ctx context.Context, offer string) (string, error)
	// GenerateOffer produces a local offer for server-initiated legs.
	GenerateOffer(ctx context.Context) (string, error)
	// ProcessAnswer consumes the remote answer to a generated offer.
	ProcessAnswer(ctx context.Context, answer string) error
}

// WebRTCEndpoint terminates a browser WebRTC leg.
type WebRTCEndpoint interface {
	SDPEndpoint

	AddICECandidate(ctx context.Context, c ICECandidate) error
	GatherCandidates(ctx context.Context) error
	// OnICECandidate registers the callback invoked for each locally
	// gathered candidate. Must be set before GatherCandidates.
	OnICECandidate(fn func(ICECandidate))
	// OnMediaConnected registers the callback invoked when media starts
	// flowing on the endpoint.
	OnMediaConnected(fn func())

	SetMaxVideoSendBandwidth(ctx context.Context, kbps int) error
	SetMinVideoSendBandwidth(ctx context.Context, kbps int) error

	// Stats returns a flat key/value snapshot for one media type.
	Stats(ctx context.Context, media MediaType) (map[string]any, error)
}

// RTPOptions configures an RTP endpoint at creation.
type RTPOptions struct {
	// CryptoSuite enables SDES-SRTP with the named suite when non-empty.
	CryptoSuite string
	// Key is the SDES master key; generated by the caller.
	Key string
}

// RTPEndpoint terminates a plain RTP (telephony) leg.
type RTPEndpoint interface {
	SDPEndpoint

	// SetOutputBitrate caps the endpoint's output bitrate in bits/s.
	SetOutputBitrate(ctx context.Context, bps int) error
}

// Hub mixes media from more than two participants. Each participant attaches
// through its own port.
type Hub interface {
	ID() string
	CreatePort(ctx context.Context) (HubPort, error)
	Release(ctx context.Context) error
}

// HubPort is one participant's attachment point on a Hub.
type HubPort interface {
	Element
}

// Player injects media from a file or URI into the graph.
type Player interface {
	Element

	Play(ctx context.Context) error
	Stop(ctx context.Context) error
	// OnEndOfStream registers the callback invoked when playback reaches
	// the end of the source.
	OnEndOfStream(fn func())
}

// Recorder sinks media from the graph into a file.
type Recorder interface {
	Element

	Record(ctx context.Context) error
	// StopAndWait stops recording and blocks until the file is flushed.
	StopAndWait(ctx context.Context) error
}
