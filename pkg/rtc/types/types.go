package types

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return fmt.Sprintf("unknown: %d", int(m))
	}
}

// VideoType describes the content of a video track. Layer and bitrate
// configuration is keyed by it, which is why in-place replacement across
// video types is rejected.
type VideoType int

const (
	VideoTypeNone VideoType = iota
	VideoTypeCamera
	VideoTypeDesktop
)

func (v VideoType) String() string {
	switch v {
	case VideoTypeNone:
		return "none"
	case VideoTypeCamera:
		return "camera"
	case VideoTypeDesktop:
		return "desktop"
	default:
		return fmt.Sprintf("unknown: %d", int(v))
	}
}

type SessionRole int

const (
	SessionRoleRelayed SessionRole = iota
	SessionRoleDirect
)

func (r SessionRole) String() string {
	switch r {
	case SessionRoleRelayed:
		return "RELAYED"
	case SessionRoleDirect:
		return "DIRECT"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStatePending
	SessionStateActive
	SessionStateEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStatePending:
		return "pending"
	case SessionStateActive:
		return "active"
	case SessionStateEnded:
		return "ended"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

const (
	SsrcGroupSemanticsFID = "FID"
	SsrcGroupSemanticsSIM = "SIM"
)

// SsrcGroup mirrors the SDP ssrc-group attribute. For FID the order is
// primary then repair; for SIM layers are ordered highest to lowest
// resolution.
type SsrcGroup struct {
	Semantics string
	Ssrcs     []uint32
}

// TrackDescriptor is the signaled view of a media source. Remote descriptors
// are owned by the transport that discovered them; local ones reference a
// LocalTrack owned by the capture collaborator.
type TrackDescriptor struct {
	LocalID         string
	MediaType       MediaType
	VideoType       VideoType
	OwnerEndpointID string
	SourceName      string
	Muted           bool
	PrimarySsrc     uint32
	AssociatedSsrcs []uint32
	SimulcastSsrcs  []uint32
}

func (d *TrackDescriptor) AllSsrcs() []uint32 {
	ssrcs := make([]uint32, 0, 1+len(d.AssociatedSsrcs)+len(d.SimulcastSsrcs))
	if d.PrimarySsrc != 0 {
		ssrcs = append(ssrcs, d.PrimarySsrc)
	}
	ssrcs = append(ssrcs, d.AssociatedSsrcs...)
	for _, ssrc := range d.SimulcastSsrcs {
		if ssrc != d.PrimarySsrc {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	return ssrcs
}

// LocalTrack is produced by the capture collaborator. The engine references
// it from every session that sends it and never takes ownership.
type LocalTrack interface {
	ID() string
	MediaType() MediaType
	VideoType() VideoType
	SourceName() string
	IsMuted() bool
	RTCTrack() webrtc.TrackLocal
}

// RemoteTrack is discovered by a transport from an applied remote
// description and destroyed when its owner leaves or the SSRC is released.
type RemoteTrack struct {
	Descriptor TrackDescriptor
	Receiver   *webrtc.RTPReceiver
	Track      *webrtc.TrackRemote
}
