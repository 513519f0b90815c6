package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/rtc/simulcast"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
	"github.com/clearmeet/conference-client/pkg/sdp"
)

const negotiationFrequency = 20 * time.Millisecond

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrTrackNotFound   = errors.New("track is not attached to this transport")
)

type PCTransportParams struct {
	Role   types.SessionRole
	Config *config.Config
	Logger logger.Logger

	WebRTCConfig webrtc.Configuration
	// ResolveOwner maps a remote source name to its endpoint; supplied by
	// the coordinator from presence
	ResolveOwner func(sourceName string) string
}

// PCTransport owns exactly one underlying peer connection plus its local
// and remote track bookkeeping. Every description produced for or consumed
// from the wire passes through the munging pipeline.
type PCTransport struct {
	params PCTransportParams
	pc     *webrtc.PeerConnection

	lock               sync.Mutex
	senders            map[string]*webrtc.RTPSender
	localTracks        map[string]types.LocalTrack
	remoteSources      map[string]*types.RemoteTrack
	pendingDescriptors map[string]*types.TrackDescriptor
	encodings          map[string][]simulcast.VideoLayer
	maxSendHeight      int

	negotiationState NegotiationState

	rtxCache       *sdp.RtxCache
	sourceCache    *sdp.SourceCache
	localPipeline  *sdp.Pipeline
	remotePipeline *sdp.Pipeline

	debouncedNegotiate func(func())

	onICECandidate          func(*webrtc.ICECandidate)
	onConnectionStateChange func(webrtc.PeerConnectionState)
	onNegotiationNeeded     func()
	onRemoteTrackAdded      func(*types.RemoteTrack)
	onRemoteTrackRemoved    func(*types.RemoteTrack)
	onEncodingsChanged      func(track types.LocalTrack, layers []simulcast.VideoLayer)

	closed core.Fuse
}

func NewPCTransport(params PCTransportParams) (*PCTransport, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = logger.PionLoggerFactory()

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(params.WebRTCConfig)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		params:             params,
		pc:                 pc,
		senders:            make(map[string]*webrtc.RTPSender),
		localTracks:        make(map[string]types.LocalTrack),
		remoteSources:      make(map[string]*types.RemoteTrack),
		pendingDescriptors: make(map[string]*types.TrackDescriptor),
		encodings:          make(map[string][]simulcast.VideoLayer),
		maxSendHeight:      params.Config.P2P.MaxHeight,
		rtxCache:           sdp.NewRtxCache(),
		sourceCache:        sdp.NewSourceCache(),
		debouncedNegotiate: debounce.New(negotiationFrequency),
	}
	t.localPipeline = sdp.NewPipeline(params.Logger,
		&sdp.CodecPreferenceStep{
			MediaType:      "video",
			PreferredCodec: params.Config.Video.PreferredCodec,
			DisabledCodecs: params.Config.Video.DisabledCodecs,
		},
		&sdp.AudioParametersStep{
			Stereo:            params.Config.Audio.Stereo,
			MaxAverageBitrate: params.Config.Audio.MaxAverageBitrate,
		},
		&sdp.RtxRepairStep{
			Cache: t.rtxCache,
			Strip: !params.Config.Video.RTXEnabled,
		},
		&sdp.SourceConsistencyStep{Cache: t.sourceCache},
		&sdp.DirectionStep{
			LocalActive:  t.localTransferActive,
			RemoteActive: t.remoteTransferActive,
		},
	)
	t.remotePipeline = sdp.NewPipeline(params.Logger,
		&sdp.CodecPreferenceStep{
			MediaType:      "video",
			PreferredCodec: params.Config.Video.PreferredCodec,
			DisabledCodecs: params.Config.Video.DisabledCodecs,
		},
		&sdp.AudioParametersStep{
			Stereo:            params.Config.Audio.Stereo,
			MaxAverageBitrate: params.Config.Audio.MaxAverageBitrate,
		},
	)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if handler := t.onICECandidate; handler != nil {
			handler(candidate)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if handler := t.onConnectionStateChange; handler != nil {
			handler(state)
		}
	})
	pc.OnTrack(t.handleRtcTrack)

	return t, nil
}

func (t *PCTransport) OnICECandidate(f func(*webrtc.ICECandidate)) { t.onICECandidate = f }

func (t *PCTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.onConnectionStateChange = f
}

func (t *PCTransport) OnNegotiationNeeded(f func()) { t.onNegotiationNeeded = f }

func (t *PCTransport) OnRemoteTrackAdded(f func(*types.RemoteTrack)) { t.onRemoteTrackAdded = f }

func (t *PCTransport) OnRemoteTrackRemoved(f func(*types.RemoteTrack)) {
	t.onRemoteTrackRemoved = f
}

func (t *PCTransport) OnEncodingsChanged(f func(types.LocalTrack, []simulcast.VideoLayer)) {
	t.onEncodingsChanged = f
}

// AddTrack attaches a local track. The returned flag reports whether a
// renegotiation is required to start sending it.
func (t *PCTransport) AddTrack(track types.LocalTrack) (bool, error) {
	if t.closed.IsBroken() {
		return false, ErrTransportClosed
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.localTracks[track.ID()]; ok {
		return false, nil
	}

	sender, err := t.pc.AddTrack(track.RTCTrack())
	if err != nil {
		return false, err
	}
	t.senders[track.ID()] = sender
	t.localTracks[track.ID()] = track
	t.sourceCache.SetMuted(track.SourceName(), track.IsMuted())
	if track.MediaType() == types.MediaTypeVideo {
		t.recomputeEncodingsLocked(track)
	}
	return true, nil
}

// AddTrackAsUnmute reattaches a track after a local unmute. When its m-line
// is already negotiated only the sender swap and direction munging are
// needed, so no renegotiation is reported.
func (t *PCTransport) AddTrackAsUnmute(track types.LocalTrack) (bool, error) {
	if t.closed.IsBroken() {
		return false, ErrTransportClosed
	}

	t.lock.Lock()
	sender, ok := t.senders[track.ID()]
	t.lock.Unlock()
	if !ok {
		return t.AddTrack(track)
	}

	if err := sender.ReplaceTrack(track.RTCTrack()); err != nil {
		return false, err
	}
	t.lock.Lock()
	t.localTracks[track.ID()] = track
	t.lock.Unlock()
	t.sourceCache.SetMuted(track.SourceName(), false)
	return false, nil
}

// RemoveTrackAsMute stops sending without renegotiating: the sender keeps
// its m-line, the source keeps its signaled SSRCs, only the direction
// changes.
func (t *PCTransport) RemoveTrackAsMute(track types.LocalTrack) (bool, error) {
	if t.closed.IsBroken() {
		return false, ErrTransportClosed
	}

	t.lock.Lock()
	sender, ok := t.senders[track.ID()]
	t.lock.Unlock()
	if !ok {
		return false, nil
	}

	if err := sender.ReplaceTrack(nil); err != nil {
		return false, err
	}
	t.sourceCache.SetMuted(track.SourceName(), true)
	return false, nil
}

// RemoveTrack detaches a track entirely. Its cached SSRC pairings are
// released; a later re-add signals fresh SSRCs.
func (t *PCTransport) RemoveTrack(track types.LocalTrack) error {
	if t.closed.IsBroken() {
		return ErrTransportClosed
	}

	t.lock.Lock()
	sender, ok := t.senders[track.ID()]
	if ok {
		delete(t.senders, track.ID())
		delete(t.localTracks, track.ID())
		delete(t.encodings, track.ID())
	}
	t.lock.Unlock()
	if !ok {
		return ErrTrackNotFound
	}

	if err := t.pc.RemoveTrack(sender); err != nil {
		return err
	}
	released := t.sourceCache.Release(track.SourceName())
	t.rtxCache.Release(released...)
	return nil
}

// ReplaceTrack swaps newTrack in for oldTrack on the same sender. A nil
// oldTrack behaves as add, a nil newTrack as remove.
func (t *PCTransport) ReplaceTrack(oldTrack, newTrack types.LocalTrack) (bool, error) {
	if oldTrack == nil && newTrack == nil {
		return false, nil
	}
	if oldTrack == nil {
		return t.AddTrack(newTrack)
	}
	if newTrack == nil {
		return false, t.RemoveTrack(oldTrack)
	}
	if oldTrack.MediaType() == types.MediaTypeVideo &&
		oldTrack.VideoType() != newTrack.VideoType() {
		return false, &types.UnsupportedTrackReplaceError{
			OldVideoType: oldTrack.VideoType(),
			NewVideoType: newTrack.VideoType(),
		}
	}

	t.lock.Lock()
	sender, ok := t.senders[oldTrack.ID()]
	t.lock.Unlock()
	if !ok {
		return t.AddTrack(newTrack)
	}

	if err := sender.ReplaceTrack(newTrack.RTCTrack()); err != nil {
		return false, err
	}

	t.lock.Lock()
	delete(t.localTracks, oldTrack.ID())
	delete(t.encodings, oldTrack.ID())
	delete(t.senders, oldTrack.ID())
	t.senders[newTrack.ID()] = sender
	t.localTracks[newTrack.ID()] = newTrack
	sameSource := oldTrack.SourceName() == newTrack.SourceName()
	if newTrack.MediaType() == types.MediaTypeVideo {
		t.recomputeEncodingsLocked(newTrack)
	}
	t.lock.Unlock()

	t.sourceCache.SetMuted(newTrack.SourceName(), newTrack.IsMuted())
	if !sameSource {
		released := t.sourceCache.Release(oldTrack.SourceName())
		t.rtxCache.Release(released...)
	}
	// same logical source keeps its signaled SSRCs, so munging alone
	// covers the swap
	return !sameSource, nil
}

// SetSenderVideoConstraints applies the requested max send height; on the
// relay path it follows the bandwidth allocation signal.
func (t *PCTransport) SetSenderVideoConstraints(maxHeight int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.maxSendHeight == maxHeight {
		return
	}
	t.maxSendHeight = maxHeight
	for _, track := range t.localTracks {
		if track.MediaType() == types.MediaTypeVideo {
			t.recomputeEncodingsLocked(track)
		}
	}
}

// caller holds lock
func (t *PCTransport) recomputeEncodingsLocked(track types.LocalTrack) {
	layers := simulcast.ComputeEncodings(
		track.VideoType(),
		0,
		t.maxSendHeight,
		t.params.Config.Video.PreferredCodec,
		t.params.Config.Video,
	)
	t.encodings[track.ID()] = layers
	if handler := t.onEncodingsChanged; handler != nil {
		go handler(track, layers)
	}
}

func (t *PCTransport) Encodings(trackID string) []simulcast.VideoLayer {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.encodings[trackID]
}

func (t *PCTransport) LocalTracks() []types.LocalTrack {
	t.lock.Lock()
	defer t.lock.Unlock()
	tracks := make([]types.LocalTrack, 0, len(t.localTracks))
	for _, track := range t.localTracks {
		tracks = append(tracks, track)
	}
	return tracks
}

func (t *PCTransport) RemoteTracks() []*types.RemoteTrack {
	t.lock.Lock()
	defer t.lock.Unlock()
	tracks := make([]*types.RemoteTrack, 0, len(t.remoteSources))
	for _, track := range t.remoteSources {
		tracks = append(tracks, track)
	}
	return tracks
}

// Negotiate schedules a (debounced) renegotiation. If an exchange is
// already in flight the request is coalesced into a retry once the answer
// lands.
func (t *PCTransport) Negotiate() {
	if t.closed.IsBroken() {
		return
	}

	t.lock.Lock()
	if t.negotiationState == NegotiationStateRemote {
		t.negotiationState = NegotiationStateRetry
		t.lock.Unlock()
		return
	}
	t.lock.Unlock()

	t.debouncedNegotiate(func() {
		if handler := t.onNegotiationNeeded; handler != nil {
			handler()
		}
	})
}

// CreateOffer produces the local offer, applies it, and returns the munged
// form for the wire.
func (t *PCTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if t.closed.IsBroken() {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	munged, err := t.localPipeline.Apply(offer.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	t.lock.Lock()
	t.negotiationState = NegotiationStateRemote
	t.lock.Unlock()

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: munged}, nil
}

// CreateAnswer produces the local answer for an applied remote offer.
func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if t.closed.IsBroken() {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	munged, err := t.localPipeline.Apply(answer.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: munged}, nil
}

// SetRemoteDescription applies a munged remote description and reconciles
// remote source bookkeeping. It reports whether a coalesced renegotiation
// is pending and should be kicked off.
func (t *PCTransport) SetRemoteDescription(desc webrtc.SessionDescription) (bool, error) {
	if t.closed.IsBroken() {
		return false, ErrTransportClosed
	}

	munged, err := t.remotePipeline.Apply(desc.SDP)
	if err != nil {
		return false, err
	}
	desc.SDP = munged

	if err = t.pc.SetRemoteDescription(desc); err != nil {
		return false, err
	}
	t.reconcileRemoteSources(desc.SDP)

	retry := false
	if desc.Type == webrtc.SDPTypeAnswer {
		t.lock.Lock()
		if t.negotiationState == NegotiationStateRetry {
			retry = true
		}
		t.negotiationState = NegotiationStateNone
		t.lock.Unlock()
	}
	return retry, nil
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if t.closed.IsBroken() {
		return ErrTransportClosed
	}
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	if t.closed.IsBroken() {
		return nil, ErrTransportClosed
	}
	return t.pc.CreateDataChannel(label, options)
}

func (t *PCTransport) Close() {
	t.closed.Once(func() {
		t.lock.Lock()
		remotes := make([]*types.RemoteTrack, 0, len(t.remoteSources))
		for _, remote := range t.remoteSources {
			remotes = append(remotes, remote)
		}
		t.remoteSources = make(map[string]*types.RemoteTrack)
		t.lock.Unlock()

		for _, remote := range remotes {
			if handler := t.onRemoteTrackRemoved; handler != nil {
				handler(remote)
			}
		}
		if err := t.pc.Close(); err != nil {
			t.params.Logger.Warnw("could not close peer connection", err)
		}
	})
}

// reconcileRemoteSources diffs the descriptors signaled in a remote
// description against the known set, surfacing removals. Additions surface
// via OnTrack once media arrives.
func (t *PCTransport) reconcileRemoteSources(raw string) {
	descriptors, err := remoteDescriptors(raw, t.params.ResolveOwner)
	if err != nil {
		t.params.Logger.Warnw("could not parse remote description for sources", err)
		return
	}

	var removed []*types.RemoteTrack
	t.lock.Lock()
	for source, known := range t.remoteSources {
		if _, ok := descriptors[source]; !ok {
			removed = append(removed, known)
			delete(t.remoteSources, source)
		}
	}
	// refresh descriptors of tracks already surfaced
	for source, desc := range descriptors {
		if known, ok := t.remoteSources[source]; ok {
			known.Descriptor = *desc
		}
	}
	t.pendingDescriptors = descriptors
	t.lock.Unlock()

	for _, remote := range removed {
		if handler := t.onRemoteTrackRemoved; handler != nil {
			handler(remote)
		}
	}
}

func (t *PCTransport) handleRtcTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	source := track.StreamID()

	t.lock.Lock()
	descriptor := t.pendingDescriptors[source]
	if descriptor == nil {
		mediaType := types.MediaTypeAudio
		if strings.HasPrefix(track.Kind().String(), "video") {
			mediaType = types.MediaTypeVideo
		}
		descriptor = &types.TrackDescriptor{
			LocalID:     track.ID(),
			SourceName:  source,
			MediaType:   mediaType,
			PrimarySsrc: uint32(track.SSRC()),
		}
		if t.params.ResolveOwner != nil {
			descriptor.OwnerEndpointID = t.params.ResolveOwner(source)
		}
	}
	remote := &types.RemoteTrack{
		Descriptor: *descriptor,
		Receiver:   receiver,
		Track:      track,
	}
	t.remoteSources[source] = remote
	t.lock.Unlock()

	t.params.Logger.Infow("remote track discovered",
		"source", source, "ssrc", uint32(track.SSRC()))
	if handler := t.onRemoteTrackAdded; handler != nil {
		handler(remote)
	}
}

func (t *PCTransport) localTransferActive(mediaType string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, track := range t.localTracks {
		if track.MediaType().String() == mediaType && !track.IsMuted() {
			return true
		}
	}
	return false
}

func (t *PCTransport) remoteTransferActive(string) bool {
	// receiving stays enabled for the life of the transport; the relay's
	// forwarded set governs what actually flows
	return !t.closed.IsBroken()
}
