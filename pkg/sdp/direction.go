package sdp

import "github.com/pion/sdp/v3"

const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

var directionKeys = map[string]bool{
	DirectionSendRecv: true,
	DirectionSendOnly: true,
	DirectionRecvOnly: true,
	DirectionInactive: true,
}

// DirectionStep forces each m-line's direction from the current transfer
// flags rather than from attached tracks: a muted track keeps its m-line,
// just with sending switched off.
type DirectionStep struct {
	// LocalActive reports whether local media of the given type
	// ("audio"/"video") should flow out.
	LocalActive func(mediaType string) bool
	// RemoteActive reports whether remote media of the given type is
	// accepted in.
	RemoteActive func(mediaType string) bool
}

func (s *DirectionStep) Name() string { return "direction" }

func (s *DirectionStep) Apply(parsed *sdp.SessionDescription) error {
	for _, media := range parsed.MediaDescriptions {
		mediaType := media.MediaName.Media
		if mediaType != mediaAudio && mediaType != mediaVideo {
			continue
		}
		direction := computeDirection(s.LocalActive(mediaType), s.RemoteActive(mediaType))
		removeAttributes(media, func(attr sdp.Attribute) bool {
			return directionKeys[attr.Key]
		})
		media.Attributes = append(media.Attributes, sdp.Attribute{Key: direction})
	}
	return nil
}

func computeDirection(localActive, remoteActive bool) string {
	switch {
	case localActive && remoteActive:
		return DirectionSendRecv
	case localActive:
		return DirectionSendOnly
	case remoteActive:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}
