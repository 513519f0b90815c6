package session

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
	"github.com/clearmeet/conference-client/pkg/testutils"
)

type fakeTransport struct {
	mu sync.Mutex

	offers       int
	answers      int
	iceRestarts  int
	closed       bool
	offerErrs    []error
	retryOnSRD   bool
	renegotiates map[string]bool

	// mirrors the adapter's negotiation state: an exchange awaiting its
	// answer coalesces further requests into one retry
	awaitingAnswer bool
	coalesced      bool

	onConnectionState   func(webrtc.PeerConnectionState)
	onNegotiationNeeded func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{renegotiates: map[string]bool{}}
}

func (f *fakeTransport) Negotiate() {
	f.mu.Lock()
	if f.awaitingAnswer {
		f.coalesced = true
		f.mu.Unlock()
		return
	}
	fn := f.onNegotiationNeeded
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) AddTrack(track types.LocalTrack) (bool, error) {
	return f.renegotiates["add"], nil
}

func (f *fakeTransport) AddTrackAsUnmute(track types.LocalTrack) (bool, error) {
	return f.renegotiates["unmute"], nil
}

func (f *fakeTransport) RemoveTrackAsMute(track types.LocalTrack) (bool, error) {
	return f.renegotiates["mute"], nil
}

func (f *fakeTransport) RemoveTrack(track types.LocalTrack) error { return nil }

func (f *fakeTransport) ReplaceTrack(oldTrack, newTrack types.LocalTrack) (bool, error) {
	return f.renegotiates["replace"], nil
}

func (f *fakeTransport) SetSenderVideoConstraints(maxHeight int) {}

func (f *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if iceRestart {
		f.iceRestarts++
	}
	if len(f.offerErrs) > 0 {
		err := f.offerErrs[0]
		f.offerErrs = f.offerErrs[1:]
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	f.awaitingAnswer = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	retry := f.retryOnSRD || f.coalesced
	f.retryOnSRD = false
	f.coalesced = false
	f.awaitingAnswer = false
	return retry, nil
}

func (f *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error { return nil }

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onConnectionState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.onNegotiationNeeded = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) connectionState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConnectionState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

type fakeSignaling struct {
	mu      sync.Mutex
	stanzas []*types.Stanza
	sendErr error
}

func (f *fakeSignaling) SendStanza(to string, stanza *types.Stanza) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.stanzas = append(f.stanzas, stanza)
	return nil
}

func (f *fakeSignaling) sent() []*types.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Stanza, len(f.stanzas))
	copy(out, f.stanzas)
	return out
}

func newTestSession(t *testing.T, transport *fakeTransport, signaling *fakeSignaling, initiator bool) *MediaSession {
	t.Helper()
	return NewMediaSession(MediaSessionParams{
		ID:               "sess-1",
		Role:             types.SessionRoleDirect,
		LocalEndpointID:  "alice",
		RemoteEndpointID: "bob",
		IsInitiator:      initiator,
		Transport:        transport,
		Signaling:        signaling,
		Logger:           logger.GetLogger(),
	})
}

func TestInitializeAsInitiatorSendsOffer(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, true)

	require.Equal(t, types.SessionStateIdle, s.State())
	require.NoError(t, s.Initialize())
	require.Equal(t, types.SessionStatePending, s.State())

	stanzas := signaling.sent()
	require.Len(t, stanzas, 1)
	require.Equal(t, types.StanzaOffer, stanzas[0].Kind)
	require.Equal(t, "sess-1", stanzas[0].SessionID)
	require.NotNil(t, stanzas[0].Description)
}

func TestInitializeAsResponderSendsNothing(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)

	require.NoError(t, s.Initialize())
	require.Empty(t, signaling.sent())
}

func TestAcceptOfferAnswers(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, s.AcceptOffer(offer))
	require.Equal(t, types.SessionStatePending, s.State())

	stanzas := signaling.sent()
	require.Len(t, stanzas, 1)
	require.Equal(t, types.StanzaAnswer, stanzas[0].Kind)
}

func TestConnectedStateActivates(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}

	var states []types.SessionState
	s := NewMediaSession(MediaSessionParams{
		ID:               "sess-1",
		Role:             types.SessionRoleRelayed,
		LocalEndpointID:  "alice",
		RemoteEndpointID: "focus",
		IsInitiator:      true,
		Transport:        transport,
		Signaling:        signaling,
		Logger:           logger.GetLogger(),
		OnStateChanged: func(_ *MediaSession, state types.SessionState) {
			states = append(states, state)
		},
	})

	require.NoError(t, s.Initialize())
	transport.connectionState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, types.SessionStateActive, s.State())
	require.Equal(t, []types.SessionState{types.SessionStatePending, types.SessionStateActive}, states)
}

func TestIceFailureEndsSession(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}

	var failed *MediaSession
	s := NewMediaSession(MediaSessionParams{
		ID:               "sess-1",
		Role:             types.SessionRoleDirect,
		LocalEndpointID:  "alice",
		RemoteEndpointID: "bob",
		IsInitiator:      true,
		Transport:        transport,
		Signaling:        signaling,
		Logger:           logger.GetLogger(),
		OnIceFailed:      func(sess *MediaSession) { failed = sess },
	})

	require.NoError(t, s.Initialize())
	transport.connectionState(webrtc.PeerConnectionStateConnected)
	transport.connectionState(webrtc.PeerConnectionStateFailed)

	require.Equal(t, types.SessionStateEnded, s.State())
	require.True(t, transport.closed)
	require.Same(t, s, failed)
}

func TestRenegotiateRetriesOnce(t *testing.T) {
	transport := newFakeTransport()
	transport.offerErrs = []error{errors.New("transient")}
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Renegotiate())
	require.Equal(t, 2, transport.offerCount())
}

func TestRenegotiateGivesUpAfterRetry(t *testing.T) {
	transport := newFakeTransport()
	transport.offerErrs = []error{errors.New("down"), errors.New("still down")}
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Renegotiate())
	require.Equal(t, 2, transport.offerCount())
	require.Empty(t, signaling.sent())
}

func TestConcurrentMutationsCoalesceIntoOneOffer(t *testing.T) {
	transport := newFakeTransport()
	transport.renegotiates["add"] = true
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	// two track additions with no answer in between must not race a
	// second offer onto the wire
	require.NoError(t, s.AddLocalTracks(testutils.NewFakeAudioTrack("mic")))
	require.Equal(t, 1, transport.offerCount())
	require.NoError(t, s.AddLocalTracks(testutils.NewFakeVideoTrack("cam", types.VideoTypeCamera)))
	require.Equal(t, 1, transport.offerCount())

	// the pending answer flushes the coalesced request as one fresh offer
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	require.NoError(t, s.HandleAnswer(answer))
	require.Equal(t, 2, transport.offerCount())
}

func TestHandleAnswerKicksCoalescedRenegotiation(t *testing.T) {
	transport := newFakeTransport()
	transport.retryOnSRD = true
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, true)
	require.NoError(t, s.Initialize())
	require.Equal(t, 1, transport.offerCount())

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	require.NoError(t, s.HandleAnswer(answer))
	require.Equal(t, 2, transport.offerCount())
}

func TestRestartICE(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, true)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.RestartICE())
	require.Equal(t, 1, transport.iceRestarts)

	stanzas := signaling.sent()
	require.Equal(t, types.StanzaOffer, stanzas[len(stanzas)-1].Kind)
}

func TestTerminateIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, true)
	require.NoError(t, s.Initialize())

	s.Terminate("success")
	require.Equal(t, types.SessionStateEnded, s.State())
	require.True(t, transport.closed)

	sentBefore := len(signaling.sent())
	s.Terminate("success")
	require.Len(t, signaling.sent(), sentBefore)
}

func TestTerminateSurvivesSignalingFailure(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{sendErr: errors.New("socket closed")}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	s.Terminate("connectivity-error")
	require.Equal(t, types.SessionStateEnded, s.State())
	require.True(t, transport.closed)
}

func TestHandleRemoteTerminateDoesNotEcho(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	s.HandleRemoteTerminate("success")
	require.Equal(t, types.SessionStateEnded, s.State())
	require.True(t, transport.closed)
	require.Empty(t, signaling.sent())
}

func TestRenegotiateAfterEndIsNoop(t *testing.T) {
	transport := newFakeTransport()
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())
	s.Terminate("success")

	before := transport.offerCount()
	require.NoError(t, s.Renegotiate())
	require.NoError(t, s.RestartICE())
	require.Equal(t, before, transport.offerCount())
}

func TestAddLocalTracksRenegotiatesOnce(t *testing.T) {
	transport := newFakeTransport()
	transport.renegotiates["add"] = true
	signaling := &fakeSignaling{}
	s := newTestSession(t, transport, signaling, false)
	require.NoError(t, s.Initialize())

	audio := testutils.NewFakeAudioTrack("mic")
	video := testutils.NewFakeVideoTrack("cam", types.VideoTypeCamera)
	require.NoError(t, s.AddLocalTracks(audio, video))
	require.Equal(t, 1, transport.offerCount())
}
