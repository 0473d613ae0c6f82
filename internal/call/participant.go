package call

import (
	"time"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// LegType identifies how a participant's media enters the call.
type LegType string

const (
	// LegWebRTC is a browser peer negotiating over the signaling channel.
	LegWebRTC LegType = "webrtc"
	// LegRTP is a telephony peer bridged through a SIP dialog.
	LegRTP LegType = "rtp"
)

// Participant is one media leg of a Call. All fields are owned by the Call
// and guarded by its mutex; external packages only see ParticipantInfo
// snapshots.
type Participant struct {
	Address string
	Leg     LegType

	// endpoint is the primary media endpoint for this leg. webrtc and rtp
	// are the same object under its concrete interface; exactly one is
	// non-nil, matching Leg.
	endpoint pipeline.SDPEndpoint
	webrtc   pipeline.WebRTCEndpoint
	rtp      pipeline.RTPEndpoint

	// extra holds the original RTP endpoint after a leg upgrades to WebRTC.
	// It stays cross-connected to the primary endpoint as an audio-only
	// side channel so the telephony audio path survives the upgrade.
	extra pipeline.RTPEndpoint

	// port is this participant's attachment to the hub. Non-nil iff the
	// call topology is multiparty.
	port pipeline.HubPort

	// player is the private-mode overlay source. While set, outbound media
	// comes from the player instead of the endpoint.
	player pipeline.Player

	recorder      pipeline.Recorder
	recordFile    string
	recordTimer   *time.Timer

	// anchor is the topology element this participant's source feeds:
	// the hub port in multiparty, the peer's endpoint in a two-party call,
	// nil while the participant is alone. attached tracks whether the
	// source is currently connected to it (false while on hold).
	anchor   pipeline.Element
	attached bool

	hold     bool
	notifier Notifier
}

// source returns the element currently producing this participant's
// outbound media: the overlay player in private mode, the endpoint
// otherwise.
func (p *Participant) source() pipeline.Element {
	if p.player != nil {
		return p.player
	}
	return p.endpoint
}

// ParticipantInfo is the participant snapshot broadcast to signaling clients.
type ParticipantInfo struct {
	Ext    string `json:"ext"`
	Type   string `json:"type"`
	OnHold bool   `json:"onHold"`
}

// Notifier delivers call events back to the signaling connection that owns
// a participant. RTP-only legs have no connection and carry a nil Notifier.
type Notifier interface {
	SendICECandidate(c pipeline.ICECandidate)
	SendParticipantList(list []ParticipantInfo)
	SendSessionStopped(sessionID, ext, reason string)
}
