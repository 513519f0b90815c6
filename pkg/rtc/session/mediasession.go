package session

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
	"github.com/clearmeet/conference-client/pkg/telemetry"
)

var ErrNegotiationFailed = errors.New("negotiation failed")

const (
	eventInitialize = "initialize"
	eventConnect    = "connect"
	eventIceFailed  = "icefailed"
	eventTerminate  = "terminate"
)

// Transport is the session's view of its peer connection adapter.
type Transport interface {
	Negotiate()
	AddTrack(track types.LocalTrack) (bool, error)
	AddTrackAsUnmute(track types.LocalTrack) (bool, error)
	RemoveTrackAsMute(track types.LocalTrack) (bool, error)
	RemoveTrack(track types.LocalTrack) error
	ReplaceTrack(oldTrack, newTrack types.LocalTrack) (bool, error)
	SetSenderVideoConstraints(maxHeight int)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) (bool, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(func())
	Close()
}

type MediaSessionParams struct {
	ID               string
	Role             types.SessionRole
	LocalEndpointID  string
	RemoteEndpointID string
	IsInitiator      bool

	Transport Transport
	Signaling types.SignalingClient
	Logger    logger.Logger

	OnStateChanged    func(session *MediaSession, state types.SessionState)
	OnConnectionState func(role types.SessionRole, state webrtc.PeerConnectionState)
	// a permanent connectivity failure is reported, never retried here;
	// fallback policy belongs to the coordinator
	OnIceFailed func(session *MediaSession)
}

// MediaSession drives the offer/answer lifecycle of one direct or relayed
// connection through its bound transport.
type MediaSession struct {
	params MediaSessionParams
	state  *fsm.FSM

	// serializes offer/answer exchanges; a renegotiation arriving while
	// one is in flight is coalesced by the transport
	negotiationLock sync.Mutex
}

func NewMediaSession(params MediaSessionParams) *MediaSession {
	s := &MediaSession{params: params}
	s.state = fsm.NewFSM(
		types.SessionStateIdle.String(),
		fsm.Events{
			{Name: eventInitialize, Src: []string{types.SessionStateIdle.String()}, Dst: types.SessionStatePending.String()},
			{Name: eventConnect, Src: []string{types.SessionStatePending.String()}, Dst: types.SessionStateActive.String()},
			{Name: eventIceFailed, Src: []string{types.SessionStatePending.String(), types.SessionStateActive.String()}, Dst: types.SessionStateEnded.String()},
			{Name: eventTerminate, Src: []string{
				types.SessionStateIdle.String(),
				types.SessionStatePending.String(),
				types.SessionStateActive.String(),
			}, Dst: types.SessionStateEnded.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src == e.Dst {
					return
				}
				s.params.Logger.Infow("session state changed",
					"session", s.params.ID, "role", s.params.Role.String(),
					"from", e.Src, "to", e.Dst)
				if handler := s.params.OnStateChanged; handler != nil {
					handler(s, s.State())
				}
			},
		},
	)
	return s
}

func (s *MediaSession) ID() string               { return s.params.ID }
func (s *MediaSession) Role() types.SessionRole  { return s.params.Role }
func (s *MediaSession) RemoteEndpointID() string { return s.params.RemoteEndpointID }
func (s *MediaSession) IsInitiator() bool        { return s.params.IsInitiator }
func (s *MediaSession) Transport() Transport     { return s.params.Transport }

func (s *MediaSession) State() types.SessionState {
	switch s.state.Current() {
	case types.SessionStatePending.String():
		return types.SessionStatePending
	case types.SessionStateActive.String():
		return types.SessionStateActive
	case types.SessionStateEnded.String():
		return types.SessionStateEnded
	default:
		return types.SessionStateIdle
	}
}

// Initialize binds the transport callbacks and, for the initiating side,
// sends the invite offer.
func (s *MediaSession) Initialize() error {
	if err := s.state.Event(context.Background(), eventInitialize); err != nil {
		return err
	}

	t := s.params.Transport
	t.OnICECandidate(s.handleLocalCandidate)
	t.OnConnectionStateChange(s.handleConnectionState)
	t.OnNegotiationNeeded(func() {
		if err := s.negotiate(); err != nil {
			s.params.Logger.Errorw("renegotiation failed", err, "session", s.params.ID)
		}
	})

	if s.params.IsInitiator {
		return s.invite(false)
	}
	return nil
}

func (s *MediaSession) invite(iceRestart bool) error {
	offer, err := s.params.Transport.CreateOffer(iceRestart)
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	return s.params.Signaling.SendStanza(s.params.RemoteEndpointID, &types.Stanza{
		Kind:        types.StanzaOffer,
		SessionID:   s.params.ID,
		Description: &offer,
	})
}

// AcceptOffer applies an incoming offer and answers it.
func (s *MediaSession) AcceptOffer(desc webrtc.SessionDescription) error {
	if s.State() == types.SessionStateIdle {
		if err := s.state.Event(context.Background(), eventInitialize); err != nil {
			return err
		}
		t := s.params.Transport
		t.OnICECandidate(s.handleLocalCandidate)
		t.OnConnectionStateChange(s.handleConnectionState)
		t.OnNegotiationNeeded(func() {
			if err := s.negotiate(); err != nil {
				s.params.Logger.Errorw("renegotiation failed", err, "session", s.params.ID)
			}
		})
	}

	s.negotiationLock.Lock()
	defer s.negotiationLock.Unlock()

	if _, err := s.params.Transport.SetRemoteDescription(desc); err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	answer, err := s.params.Transport.CreateAnswer()
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	return s.params.Signaling.SendStanza(s.params.RemoteEndpointID, &types.Stanza{
		Kind:        types.StanzaAnswer,
		SessionID:   s.params.ID,
		Description: &answer,
	})
}

// HandleAnswer applies the remote answer; a renegotiation coalesced while
// the exchange was in flight is kicked off right after.
func (s *MediaSession) HandleAnswer(desc webrtc.SessionDescription) error {
	s.negotiationLock.Lock()
	retry, err := s.params.Transport.SetRemoteDescription(desc)
	s.negotiationLock.Unlock()
	if err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	if retry {
		return s.Renegotiate()
	}
	return nil
}

func (s *MediaSession) HandleTransportInfo(candidate webrtc.ICECandidateInit) error {
	return s.params.Transport.AddICECandidate(candidate)
}

// RestartICE re-invites with a fresh ICE offer.
func (s *MediaSession) RestartICE() error {
	if s.State() == types.SessionStateEnded {
		return nil
	}
	s.negotiationLock.Lock()
	defer s.negotiationLock.Unlock()
	return s.invite(true)
}

// Renegotiate requests an offer/answer exchange. The transport schedules
// it: a request arriving while an exchange is awaiting its answer is
// coalesced and kicked off by HandleAnswer instead of producing a second
// concurrent offer.
func (s *MediaSession) Renegotiate() error {
	if s.State() == types.SessionStateEnded {
		return nil
	}
	s.params.Transport.Negotiate()
	return nil
}

// negotiate runs one offer/answer exchange; the transport invokes it once
// a scheduled renegotiation is due. A failed attempt is retried once
// before the failure is surfaced.
func (s *MediaSession) negotiate() error {
	if s.State() == types.SessionStateEnded {
		return nil
	}
	s.negotiationLock.Lock()
	defer s.negotiationLock.Unlock()

	telemetry.Renegotiation()
	err := s.invite(false)
	if err == nil {
		return nil
	}
	s.params.Logger.Warnw("offer failed, retrying once", err, "session", s.params.ID)
	if err = s.invite(false); err != nil {
		return errors.Wrap(ErrNegotiationFailed, err.Error())
	}
	return nil
}

// AddLocalTracks attaches tracks and renegotiates once if any of them
// needs it.
func (s *MediaSession) AddLocalTracks(tracks ...types.LocalTrack) error {
	renegotiate := false
	for _, track := range tracks {
		needed, err := s.params.Transport.AddTrack(track)
		if err != nil {
			return err
		}
		renegotiate = renegotiate || needed
	}
	if renegotiate {
		return s.Renegotiate()
	}
	return nil
}

func (s *MediaSession) RemoveLocalTrack(track types.LocalTrack) error {
	if err := s.params.Transport.RemoveTrack(track); err != nil {
		return err
	}
	return s.Renegotiate()
}

func (s *MediaSession) ReplaceTrack(oldTrack, newTrack types.LocalTrack) error {
	renegotiate, err := s.params.Transport.ReplaceTrack(oldTrack, newTrack)
	if err != nil {
		return err
	}
	if renegotiate {
		return s.Renegotiate()
	}
	return nil
}

func (s *MediaSession) AddTrackAsUnmute(track types.LocalTrack) error {
	renegotiate, err := s.params.Transport.AddTrackAsUnmute(track)
	if err != nil {
		return err
	}
	if renegotiate {
		return s.Renegotiate()
	}
	return nil
}

func (s *MediaSession) RemoveTrackAsMute(track types.LocalTrack) error {
	renegotiate, err := s.params.Transport.RemoveTrackAsMute(track)
	if err != nil {
		return err
	}
	if renegotiate {
		return s.Renegotiate()
	}
	return nil
}

// Terminate ends the session. Calling it on an ended session is a no-op.
// The terminate stanza is best effort; delivery failure never blocks local
// cleanup.
func (s *MediaSession) Terminate(reason string) {
	if s.State() == types.SessionStateEnded {
		return
	}
	if err := s.state.Event(context.Background(), eventTerminate); err != nil {
		return
	}

	if err := s.params.Signaling.SendStanza(s.params.RemoteEndpointID, &types.Stanza{
		Kind:      types.StanzaTerminate,
		SessionID: s.params.ID,
		Reason:    reason,
	}); err != nil {
		s.params.Logger.Warnw("could not deliver terminate", err, "session", s.params.ID)
	}
	s.params.Transport.Close()
	s.params.Logger.Infow("session terminated", "session", s.params.ID, "reason", reason)
}

// HandleRemoteTerminate releases the transport without echoing a terminate
// back.
func (s *MediaSession) HandleRemoteTerminate(reason string) {
	if s.State() == types.SessionStateEnded {
		return
	}
	if err := s.state.Event(context.Background(), eventTerminate); err != nil {
		return
	}
	s.params.Transport.Close()
	s.params.Logger.Infow("session terminated by remote", "session", s.params.ID, "reason", reason)
}

func (s *MediaSession) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	if err := s.params.Signaling.SendStanza(s.params.RemoteEndpointID, &types.Stanza{
		Kind:      types.StanzaTransportInfo,
		SessionID: s.params.ID,
		Candidate: &init,
	}); err != nil {
		s.params.Logger.Warnw("could not send transport-info", err, "session", s.params.ID)
	}
}

func (s *MediaSession) handleConnectionState(state webrtc.PeerConnectionState) {
	if handler := s.params.OnConnectionState; handler != nil {
		handler(s.params.Role, state)
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// the session turns active only once connectivity checks pass
		if s.State() == types.SessionStatePending {
			_ = s.state.Event(context.Background(), eventConnect)
		}
	case webrtc.PeerConnectionStateFailed:
		if s.State() == types.SessionStateEnded {
			return
		}
		if err := s.state.Event(context.Background(), eventIceFailed); err != nil {
			return
		}
		s.params.Transport.Close()
		if handler := s.params.OnIceFailed; handler != nil {
			handler(s)
		}
	}
}
