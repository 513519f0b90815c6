package testutils

import (
	"github.com/pion/webrtc/v3"

	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

// FakeLocalTrack is a capture-collaborator stand-in for tests.
type FakeLocalTrack struct {
	TrackID string
	Media   types.MediaType
	Video   types.VideoType
	Source  string
	Muted   bool
	RTC     webrtc.TrackLocal
}

func NewFakeAudioTrack(id string) *FakeLocalTrack {
	return &FakeLocalTrack{
		TrackID: id,
		Media:   types.MediaTypeAudio,
		Source:  id + "-source",
	}
}

func NewFakeVideoTrack(id string, videoType types.VideoType) *FakeLocalTrack {
	return &FakeLocalTrack{
		TrackID: id,
		Media:   types.MediaTypeVideo,
		Video:   videoType,
		Source:  id + "-source",
	}
}

func (t *FakeLocalTrack) ID() string                 { return t.TrackID }
func (t *FakeLocalTrack) MediaType() types.MediaType { return t.Media }
func (t *FakeLocalTrack) VideoType() types.VideoType { return t.Video }
func (t *FakeLocalTrack) SourceName() string         { return t.Source }
func (t *FakeLocalTrack) IsMuted() bool              { return t.Muted }
func (t *FakeLocalTrack) RTCTrack() webrtc.TrackLocal {
	return t.RTC
}
