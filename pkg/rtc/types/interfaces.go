package types

import "github.com/pion/webrtc/v3"

type StanzaKind int

const (
	StanzaOffer StanzaKind = iota
	StanzaAnswer
	StanzaTransportInfo
	StanzaTerminate
)

func (k StanzaKind) String() string {
	switch k {
	case StanzaOffer:
		return "offer"
	case StanzaAnswer:
		return "answer"
	case StanzaTransportInfo:
		return "transport-info"
	case StanzaTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Stanza is the opaque signaling payload exchanged with a remote endpoint.
// Encoding to the wire format is the transport collaborator's concern.
type Stanza struct {
	Kind        StanzaKind
	SessionID   string
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
	Reason      string
}

// SignalingClient carries session stanzas to a remote endpoint. Implementations
// wrap the conference signaling transport (e.g. an XMPP/MUC connection).
type SignalingClient interface {
	SendStanza(remoteEndpointID string, stanza *Stanza) error
}

// SignalingHandler receives session stanzas from remote endpoints. The
// coordinator implements it and dispatches onto its serialized run loop.
type SignalingHandler interface {
	OnOffer(fromEndpointID string, stanza *Stanza)
	OnAnswer(fromEndpointID string, stanza *Stanza)
	OnTransportInfo(fromEndpointID string, stanza *Stanza)
	OnTerminate(fromEndpointID string, stanza *Stanza)
	OnICERestartRequired(fromEndpointID string)
}

// ParticipantInfo is the presence view of a remote endpoint.
type ParticipantInfo struct {
	EndpointID            string
	Hidden                bool
	DirectSessionEligible bool
	AudioMuted            bool
	VideoMuted            bool
	VideoType             VideoType
}

// PresenceHandler receives push updates from the presence collaborator.
type PresenceHandler interface {
	OnParticipantJoined(info ParticipantInfo)
	OnParticipantLeft(endpointID string)
	OnParticipantUpdated(info ParticipantInfo)
	OnForwardedSetChanged(sourceNames []string)
}
