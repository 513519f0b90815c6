package rtc

import (
	"encoding/json"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"

	"github.com/clearmeet/conference-client/pkg/bridge"
	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/rtc/session"
	"github.com/clearmeet/conference-client/pkg/rtc/streamstatus"
	"github.com/clearmeet/conference-client/pkg/rtc/transport"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
	"github.com/clearmeet/conference-client/pkg/telemetry"
	"github.com/clearmeet/conference-client/pkg/utils"
)

const (
	runLoopSize = 256

	terminateReasonLeave    = "leave"
	terminateReasonFallback = "fallback-to-relay"
	terminateReasonReplaced = "replaced"
)

// SessionTransport is the coordinator's view of a peer connection adapter.
type SessionTransport interface {
	session.Transport
	LocalTracks() []types.LocalTrack
	RemoteTracks() []*types.RemoteTrack
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	OnRemoteTrackAdded(func(*types.RemoteTrack))
	OnRemoteTrackRemoved(func(*types.RemoteTrack))
}

type CoordinatorParams struct {
	Conf            *config.Config
	LocalEndpointID string
	// role-based eligibility of the local endpoint for direct sessions
	DirectSessionEligible bool
	RelayEndpointID       string

	Signaling    types.SignalingClient
	WebRTCConfig webrtc.Configuration
	Logger       logger.Logger

	// test seam; defaults to transport.NewPCTransport
	NewTransport func(role types.SessionRole, resolveOwner func(string) string) (SessionTransport, error)
}

// SessionCoordinator arbitrates between the relayed and the direct session,
// owns the track operation queue, and fans local-track mutations out to
// whichever sessions are live. All presence, signaling and timer inputs
// execute as discrete steps on one cooperative run loop.
type SessionCoordinator struct {
	params CoordinatorParams

	runner *utils.OpsQueue
	queue  *operationQueue
	bus    *EventBus

	lock          sync.RWMutex
	localTracks   map[string]types.LocalTrack
	participants  map[string]types.ParticipantInfo
	sourceOwners  map[string]string
	forwardedSet  map[string]bool
	lastN         int
	trackers      map[string]*streamstatus.Tracker
	relayed       *session.MediaSession
	direct        *session.MediaSession
	activeRole    types.SessionRole
	sessionsByID  map[string]*session.MediaSession
	bridgeChannel *bridge.Channel

	directTimer *utils.CancelableTimer

	left core.Fuse
}

func NewSessionCoordinator(params CoordinatorParams) *SessionCoordinator {
	if params.RelayEndpointID == "" {
		params.RelayEndpointID = "focus"
	}
	c := &SessionCoordinator{
		params:       params,
		bus:          NewEventBus(),
		localTracks:  make(map[string]types.LocalTrack),
		participants: make(map[string]types.ParticipantInfo),
		sourceOwners: make(map[string]string),
		forwardedSet: make(map[string]bool),
		lastN:        -1,
		trackers:     make(map[string]*streamstatus.Tracker),
		sessionsByID: make(map[string]*session.MediaSession),
		activeRole:   types.SessionRoleRelayed,
		directTimer:  utils.NewCancelableTimer(),
	}
	c.runner = utils.NewOpsQueue(params.Logger, "coordinator", runLoopSize)
	c.runner.Start()
	c.queue = newOperationQueue(params.Logger)
	if c.params.NewTransport == nil {
		c.params.NewTransport = c.newPCTransport
	}
	return c
}

func (c *SessionCoordinator) Events() *EventBus { return c.bus }

// StreamingTracker exposes the per-source health tracker so the media
// consumer can feed it rtc-mute and frozen-probe signals.
func (c *SessionCoordinator) StreamingTracker(sourceName string) *streamstatus.Tracker {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.trackers[sourceName]
}

func (c *SessionCoordinator) newPCTransport(role types.SessionRole, resolveOwner func(string) string) (SessionTransport, error) {
	return transport.NewPCTransport(transport.PCTransportParams{
		Role:         role,
		Config:       c.params.Conf,
		Logger:       c.params.Logger.WithValues("role", role.String()),
		WebRTCConfig: c.params.WebRTCConfig,
		ResolveOwner: resolveOwner,
	})
}

// ---------------------------------------------------------------
// public track operations (§ conference track lifecycle)

// AddTrack enqueues attaching a local track to every live session. The
// future settles in call order relative to the other track operations.
func (c *SessionCoordinator) AddTrack(track types.LocalTrack) *utils.Future[struct{}] {
	if track == nil {
		return rejectedFuture(ErrNoTrack)
	}
	return c.queue.Enqueue(operationAdd, func() error {
		return c.executeAdd(track)
	})
}

func (c *SessionCoordinator) RemoveTrack(track types.LocalTrack) *utils.Future[struct{}] {
	if track == nil {
		return rejectedFuture(ErrNoTrack)
	}
	return c.queue.Enqueue(operationRemove, func() error {
		return c.executeRemove(track)
	})
}

// ReplaceTrack swaps oldTrack for newTrack in place. A nil oldTrack behaves
// as add, a nil newTrack as remove.
func (c *SessionCoordinator) ReplaceTrack(oldTrack, newTrack types.LocalTrack) *utils.Future[struct{}] {
	if oldTrack == nil && newTrack == nil {
		return rejectedFuture(ErrNoTrack)
	}
	return c.queue.Enqueue(operationReplace, func() error {
		return c.executeReplace(oldTrack, newTrack)
	})
}

// SetTrackMuted toggles sending of an attached track without removing it
// from the conference.
func (c *SessionCoordinator) SetTrackMuted(track types.LocalTrack, muted bool) *utils.Future[struct{}] {
	if track == nil {
		return rejectedFuture(ErrNoTrack)
	}
	return c.queue.Enqueue(operationMute, func() error {
		return c.executeMute(track, muted)
	})
}

func rejectedFuture(err error) *utils.Future[struct{}] {
	result := utils.NewFuture[struct{}]()
	result.Reject(err)
	return result
}

func (c *SessionCoordinator) executeAdd(track types.LocalTrack) error {
	c.lock.Lock()
	if _, ok := c.localTracks[track.ID()]; ok {
		// re-adding the exact same track resolves without touching the
		// sessions
		c.lock.Unlock()
		return nil
	}
	for _, existing := range c.localTracks {
		if existing.MediaType() == track.MediaType() && existing.VideoType() == track.VideoType() {
			c.lock.Unlock()
			return &DuplicateTrackError{
				MediaType: track.MediaType(),
				VideoType: track.VideoType(),
			}
		}
	}
	c.localTracks[track.ID()] = track
	sessions := c.liveSessionsLocked()
	c.lock.Unlock()

	for _, s := range sessions {
		if err := s.AddLocalTracks(track); err != nil {
			// a failed add must not occupy the slot; the caller may retry
			c.lock.Lock()
			delete(c.localTracks, track.ID())
			c.lock.Unlock()
			return err
		}
	}
	return nil
}

func (c *SessionCoordinator) executeRemove(track types.LocalTrack) error {
	c.lock.Lock()
	if _, ok := c.localTracks[track.ID()]; !ok {
		c.lock.Unlock()
		return nil
	}
	delete(c.localTracks, track.ID())
	sessions := c.liveSessionsLocked()
	c.lock.Unlock()

	for _, s := range sessions {
		if err := s.RemoveLocalTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (c *SessionCoordinator) executeReplace(oldTrack, newTrack types.LocalTrack) error {
	if oldTrack == nil {
		return c.executeAdd(newTrack)
	}
	if newTrack == nil {
		return c.executeRemoveIfPresent(oldTrack)
	}
	if oldTrack.ID() == newTrack.ID() {
		return nil
	}
	if oldTrack.MediaType() == types.MediaTypeVideo &&
		oldTrack.VideoType() != newTrack.VideoType() {
		return &types.UnsupportedTrackReplaceError{
			OldVideoType: oldTrack.VideoType(),
			NewVideoType: newTrack.VideoType(),
		}
	}

	c.lock.Lock()
	if _, ok := c.localTracks[oldTrack.ID()]; !ok {
		// nothing to swap out; the add path keeps its duplicate check
		c.lock.Unlock()
		return c.executeAdd(newTrack)
	}
	delete(c.localTracks, oldTrack.ID())
	c.localTracks[newTrack.ID()] = newTrack
	sessions := c.liveSessionsLocked()
	c.lock.Unlock()

	for _, s := range sessions {
		if err := s.ReplaceTrack(oldTrack, newTrack); err != nil {
			return err
		}
	}
	return nil
}

func (c *SessionCoordinator) executeRemoveIfPresent(track types.LocalTrack) error {
	return c.executeRemove(track)
}

func (c *SessionCoordinator) executeMute(track types.LocalTrack, muted bool) error {
	c.lock.Lock()
	sessions := c.liveSessionsLocked()
	c.lock.Unlock()

	for _, s := range sessions {
		var err error
		if muted {
			err = s.RemoveTrackAsMute(track)
		} else {
			err = s.AddTrackAsUnmute(track)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// caller holds lock
func (c *SessionCoordinator) liveSessionsLocked() []*session.MediaSession {
	var sessions []*session.MediaSession
	if c.relayed != nil && c.relayed.State() != types.SessionStateEnded {
		sessions = append(sessions, c.relayed)
	}
	if c.direct != nil && c.direct.State() != types.SessionStateEnded {
		sessions = append(sessions, c.direct)
	}
	return sessions
}

// ---------------------------------------------------------------
// conference lifecycle

// ConnectToRelay opens the relayed session as initiator and wires the
// bridge control channel over its negotiated data channel, with wsURL as
// the websocket fallback when non-empty.
func (c *SessionCoordinator) ConnectToRelay(wsURL string) error {
	t, err := c.params.NewTransport(types.SessionRoleRelayed, c.resolveOwner)
	if err != nil {
		return err
	}

	c.setupBridgeChannel(t, wsURL)

	s := session.NewMediaSession(session.MediaSessionParams{
		ID:                utils.NewSessionID(),
		Role:              types.SessionRoleRelayed,
		LocalEndpointID:   c.params.LocalEndpointID,
		RemoteEndpointID:  c.params.RelayEndpointID,
		IsInitiator:       true,
		Transport:         t,
		Signaling:         c.params.Signaling,
		Logger:            c.params.Logger,
		OnStateChanged:    c.handleSessionStateChanged,
		OnConnectionState: c.handleConnectionState,
		OnIceFailed:       c.handleIceFailed,
	})

	c.lock.Lock()
	c.relayed = s
	c.sessionsByID[s.ID()] = s
	tracks := c.localTrackListLocked()
	c.lock.Unlock()

	c.wireRemoteTracks(t, s)
	if len(tracks) > 0 {
		if err = s.AddLocalTracks(tracks...); err != nil {
			return err
		}
	}
	return s.Initialize()
}

func (c *SessionCoordinator) setupBridgeChannel(t SessionTransport, wsURL string) {
	ch := bridge.NewChannel(bridge.ChannelParams{
		Config:    c.params.Conf.Channel,
		Logger:    c.params.Logger.WithName("bridge"),
		OnMessage: c.handleBridgeMessage,
		OnPermanentFailure: func() {
			c.runner.Enqueue(func() {
				c.params.Logger.Errorw("bridge channel permanently failed", nil)
			})
		},
	})

	negotiated := true
	id := c.params.Conf.Channel.DataChannelID
	dc, err := t.CreateDataChannel("bridge", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		c.params.Logger.Warnw("could not create bridge data channel", err)
	} else {
		ch.AttachDataChannel(dc)
	}
	if wsURL != "" {
		if err = ch.ConnectWebsocket(wsURL); err != nil {
			c.params.Logger.Warnw("bridge websocket connect failed, retrying", err)
		}
	}

	c.lock.Lock()
	c.bridgeChannel = ch
	c.lock.Unlock()
}

// Bridge returns the relay control channel, nil before ConnectToRelay.
func (c *SessionCoordinator) Bridge() *bridge.Channel {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.bridgeChannel
}

// Leave tears the conference down. Every queued or executing track
// operation rejects with the abort error once in-flight work has unwound;
// no further session mutation happens afterwards.
func (c *SessionCoordinator) Leave() {
	c.left.Once(func() {
		c.queue.Abort()
		c.directTimer.Cancel()

		c.lock.Lock()
		direct := c.direct
		relayed := c.relayed
		ch := c.bridgeChannel
		trackers := c.trackers
		c.direct = nil
		c.relayed = nil
		c.bridgeChannel = nil
		c.trackers = make(map[string]*streamstatus.Tracker)
		c.lock.Unlock()

		if direct != nil {
			direct.Terminate(terminateReasonLeave)
		}
		if relayed != nil {
			relayed.Terminate(terminateReasonLeave)
		}
		if ch != nil {
			ch.Close()
		}
		for _, tracker := range trackers {
			tracker.Close()
		}
		<-c.runner.Stop()
	})
}

// ---------------------------------------------------------------
// presence (push model)

func (c *SessionCoordinator) OnParticipantJoined(info types.ParticipantInfo) {
	c.runner.Enqueue(func() {
		c.lock.Lock()
		c.participants[info.EndpointID] = info
		c.lock.Unlock()
		// joins cancel any pending deferred action and re-evaluate now
		c.evaluateDirectSession(false)
	})
}

func (c *SessionCoordinator) OnParticipantLeft(endpointID string) {
	c.runner.Enqueue(func() {
		c.lock.Lock()
		delete(c.participants, endpointID)
		var dropped []*streamstatus.Tracker
		for source, owner := range c.sourceOwners {
			if owner == endpointID {
				if tracker := c.trackers[source]; tracker != nil {
					dropped = append(dropped, tracker)
					delete(c.trackers, source)
				}
				delete(c.sourceOwners, source)
			}
		}
		c.lock.Unlock()

		for _, tracker := range dropped {
			tracker.Close()
		}
		// leave-triggered changes are deferred to ride out reloads
		c.evaluateDirectSession(true)
	})
}

func (c *SessionCoordinator) OnParticipantUpdated(info types.ParticipantInfo) {
	c.runner.Enqueue(func() {
		c.lock.Lock()
		c.participants[info.EndpointID] = info
		var affected []*streamstatus.Tracker
		for source, owner := range c.sourceOwners {
			if owner == info.EndpointID {
				if tracker := c.trackers[source]; tracker != nil {
					affected = append(affected, tracker)
				}
			}
		}
		c.lock.Unlock()

		for _, tracker := range affected {
			tracker.OnSignalingMuteChanged(info.VideoMuted)
		}
		c.evaluateDirectSession(false)
	})
}

func (c *SessionCoordinator) OnForwardedSetChanged(sourceNames []string) {
	c.runner.Enqueue(func() {
		next := make(map[string]bool, len(sourceNames))
		for _, source := range sourceNames {
			next[source] = true
		}

		c.lock.Lock()
		previous := c.forwardedSet
		c.forwardedSet = next
		// a source leaving a full forwarded set was crowded out by the
		// relay's allocation, not starved by the network
		deliberate := c.lastN >= 0 && len(next) >= c.lastN
		trackers := make(map[string]*streamstatus.Tracker, len(c.trackers))
		for source, tracker := range c.trackers {
			trackers[source] = tracker
		}
		c.lock.Unlock()

		for source, tracker := range trackers {
			in := next[source]
			if in != previous[source] {
				tracker.OnForwardedSetChanged(in, deliberate)
			}
		}
	})
}

// SetLastN caps how many video sources the relay forwards. The cap also
// classifies later forwarded-set drops: being pushed out of a full set is
// an allocation decision, not a connectivity problem.
func (c *SessionCoordinator) SetLastN(lastN int) error {
	c.lock.Lock()
	c.lastN = lastN
	ch := c.bridgeChannel
	c.lock.Unlock()

	if ch == nil {
		return bridge.ErrChannelUnavailable
	}
	return ch.SendSetLastN(lastN)
}

// ---------------------------------------------------------------
// direct session arbitration

// evaluateDirectSession applies the open/close decision rule. deferred
// marks a change triggered by a participant leaving: the resulting action
// waits for the configured delay and is cancelled if conditions change
// again before it elapses.
func (c *SessionCoordinator) evaluateDirectSession(deferred bool) {
	c.directTimer.Cancel()
	if c.left.IsBroken() || !c.params.Conf.P2P.Enabled {
		return
	}

	c.lock.RLock()
	var other *types.ParticipantInfo
	visible := 0
	for _, info := range c.participants {
		if info.Hidden {
			continue
		}
		visible++
		candidate := info
		other = &candidate
	}
	directLive := c.direct != nil && c.direct.State() != types.SessionStateEnded
	c.lock.RUnlock()

	shouldOpen := visible == 1 &&
		c.params.DirectSessionEligible &&
		other != nil && other.DirectSessionEligible

	switch {
	case shouldOpen && !directLive:
		// the total order over endpoint identifiers picks exactly one
		// initiator; the other side waits for the incoming offer
		if c.params.LocalEndpointID >= other.EndpointID {
			return
		}
		remoteID := other.EndpointID
		if deferred {
			c.directTimer.Arm(c.params.Conf.P2P.BackToRelayDelay, func() {
				c.runner.Enqueue(func() {
					c.openDirectSession(remoteID)
				})
			})
			return
		}
		c.openDirectSession(remoteID)

	case !shouldOpen && directLive:
		if deferred {
			c.directTimer.Arm(c.params.Conf.P2P.BackToRelayDelay, func() {
				c.runner.Enqueue(func() {
					c.closeDirectSession(terminateReasonFallback)
				})
			})
			return
		}
		c.closeDirectSession(terminateReasonFallback)
	}
}

func (c *SessionCoordinator) openDirectSession(remoteEndpointID string) {
	c.lock.RLock()
	alive := c.direct != nil && c.direct.State() != types.SessionStateEnded
	c.lock.RUnlock()
	if alive || c.left.IsBroken() {
		return
	}

	t, err := c.params.NewTransport(types.SessionRoleDirect, c.resolveOwner)
	if err != nil {
		c.params.Logger.Errorw("could not create direct transport", err)
		return
	}
	s := session.NewMediaSession(session.MediaSessionParams{
		ID:                utils.NewSessionID(),
		Role:              types.SessionRoleDirect,
		LocalEndpointID:   c.params.LocalEndpointID,
		RemoteEndpointID:  remoteEndpointID,
		IsInitiator:       true,
		Transport:         t,
		Signaling:         c.params.Signaling,
		Logger:            c.params.Logger,
		OnStateChanged:    c.handleSessionStateChanged,
		OnConnectionState: c.handleConnectionState,
		OnIceFailed:       c.handleIceFailed,
	})

	c.lock.Lock()
	c.direct = s
	c.sessionsByID[s.ID()] = s
	tracks := c.localTrackListLocked()
	c.lock.Unlock()

	c.wireRemoteTracks(t, s)
	if len(tracks) > 0 {
		if err = s.AddLocalTracks(tracks...); err != nil {
			c.params.Logger.Errorw("could not attach tracks to direct session", err)
		}
	}
	if err = s.Initialize(); err != nil {
		c.params.Logger.Errorw("could not initiate direct session", err)
		return
	}
	telemetry.DirectSessionOpened()
	c.params.Logger.Infow("direct session initiated", "remote", remoteEndpointID)
}

func (c *SessionCoordinator) closeDirectSession(reason string) {
	c.lock.Lock()
	s := c.direct
	c.direct = nil
	c.lock.Unlock()
	if s == nil {
		return
	}

	if c.activeSessionRole() == types.SessionRoleDirect {
		c.switchActiveSession(types.SessionRoleRelayed)
	}
	s.Terminate(reason)
	c.bus.Emit(Event{
		Kind:          EventDirectSessionStatusChanged,
		DirectSession: &DirectSessionStatus{Active: false, RemoteEndpointID: s.RemoteEndpointID()},
	})
}

func (c *SessionCoordinator) activeSessionRole() types.SessionRole {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.activeRole
}

// switchActiveSession moves the conference's media path between the relay
// and the direct session. Local tracks stay signaled on the deactivated
// side but stop sending; remote tracks are synthetically removed from the
// old side and added from the new one so observers see one continuous
// stream.
func (c *SessionCoordinator) switchActiveSession(role types.SessionRole) {
	c.lock.Lock()
	if c.activeRole == role {
		c.lock.Unlock()
		return
	}
	c.activeRole = role
	var from, to *session.MediaSession
	if role == types.SessionRoleDirect {
		from, to = c.relayed, c.direct
	} else {
		from, to = c.direct, c.relayed
	}
	tracks := c.localTrackListLocked()
	trackers := make(map[string]*streamstatus.Tracker, len(c.trackers))
	for source, tracker := range c.trackers {
		trackers[source] = tracker
	}
	c.lock.Unlock()

	mode := streamstatus.ModeRelay
	if role == types.SessionRoleDirect {
		mode = streamstatus.ModeDirect
	}

	if from != nil && from.State() != types.SessionStateEnded {
		for _, track := range tracks {
			if err := from.RemoveTrackAsMute(track); err != nil {
				c.params.Logger.Warnw("could not detach track from deactivated session", err)
			}
		}
		if st, ok := from.Transport().(SessionTransport); ok {
			for _, remote := range st.RemoteTracks() {
				c.bus.Emit(Event{Kind: EventRemoteTrackRemoved, RemoteTrack: remote})
			}
		}
	}
	if to != nil && to.State() != types.SessionStateEnded {
		for _, track := range tracks {
			if track.IsMuted() {
				continue
			}
			if err := to.AddTrackAsUnmute(track); err != nil {
				c.params.Logger.Warnw("could not attach track to activated session", err)
			}
		}
		if st, ok := to.Transport().(SessionTransport); ok {
			for _, remote := range st.RemoteTracks() {
				c.bus.Emit(Event{Kind: EventRemoteTrackAdded, RemoteTrack: remote})
			}
		}
	}
	for _, tracker := range trackers {
		tracker.SetMode(mode)
	}

	telemetry.ActiveSessionSwitched(role.String())
	c.params.Logger.Infow("active session switched", "role", role.String())
}

// ---------------------------------------------------------------
// session callbacks

func (c *SessionCoordinator) handleSessionStateChanged(s *session.MediaSession, state types.SessionState) {
	c.runner.Enqueue(func() {
		if state == types.SessionStateEnded {
			c.lock.Lock()
			if c.sessionsByID[s.ID()] == s {
				delete(c.sessionsByID, s.ID())
			}
			c.lock.Unlock()
		}
		if s.Role() == types.SessionRoleDirect {
			switch state {
			case types.SessionStateActive:
				c.switchActiveSession(types.SessionRoleDirect)
				c.bus.Emit(Event{
					Kind: EventDirectSessionStatusChanged,
					DirectSession: &DirectSessionStatus{
						Active:           true,
						RemoteEndpointID: s.RemoteEndpointID(),
					},
				})
			case types.SessionStateEnded:
				if c.activeSessionRole() == types.SessionRoleDirect {
					c.switchActiveSession(types.SessionRoleRelayed)
				}
			}
		}
	})
}

func (c *SessionCoordinator) handleConnectionState(role types.SessionRole, state webrtc.PeerConnectionState) {
	c.bus.Emit(Event{
		Kind:            EventConnectionStateChanged,
		ConnectionState: &ConnectionStateChange{Role: role, State: state},
	})
}

// handleIceFailed implements the fallback policy: a direct session that
// loses connectivity for good is reported and replaced by the relay path,
// never silently retried.
func (c *SessionCoordinator) handleIceFailed(s *session.MediaSession) {
	c.runner.Enqueue(func() {
		if s.Role() != types.SessionRoleDirect {
			c.params.Logger.Errorw("relayed session lost connectivity", nil)
			return
		}
		c.params.Logger.Warnw("direct session failed, falling back to relay", nil)
		c.closeDirectSession(terminateReasonFallback)
	})
}

// ---------------------------------------------------------------
// signaling (callbacks from the stanza transport)

func (c *SessionCoordinator) OnOffer(fromEndpointID string, stanza *types.Stanza) {
	c.runner.Enqueue(func() {
		if stanza.Description == nil {
			return
		}
		c.lock.RLock()
		existing := c.sessionsByID[stanza.SessionID]
		c.lock.RUnlock()

		if existing != nil {
			if err := existing.AcceptOffer(*stanza.Description); err != nil {
				c.params.Logger.Errorw("could not accept renegotiation offer", err,
					"session", stanza.SessionID)
			}
			return
		}
		c.acceptIncomingSession(fromEndpointID, stanza)
	})
}

func (c *SessionCoordinator) acceptIncomingSession(fromEndpointID string, stanza *types.Stanza) {
	role := types.SessionRoleDirect
	if fromEndpointID == c.params.RelayEndpointID {
		role = types.SessionRoleRelayed
	}

	t, err := c.params.NewTransport(role, c.resolveOwner)
	if err != nil {
		c.params.Logger.Errorw("could not create transport for incoming session", err)
		return
	}
	s := session.NewMediaSession(session.MediaSessionParams{
		ID:                stanza.SessionID,
		Role:              role,
		LocalEndpointID:   c.params.LocalEndpointID,
		RemoteEndpointID:  fromEndpointID,
		IsInitiator:       false,
		Transport:         t,
		Signaling:         c.params.Signaling,
		Logger:            c.params.Logger,
		OnStateChanged:    c.handleSessionStateChanged,
		OnConnectionState: c.handleConnectionState,
		OnIceFailed:       c.handleIceFailed,
	})

	c.lock.Lock()
	replaced := c.direct
	if role == types.SessionRoleDirect {
		c.direct = s
	} else {
		replaced = c.relayed
		c.relayed = s
	}
	c.sessionsByID[s.ID()] = s
	tracks := c.localTrackListLocked()
	c.lock.Unlock()

	if replaced != nil && replaced.State() != types.SessionStateEnded {
		replaced.Terminate(terminateReasonReplaced)
	}

	c.wireRemoteTracks(t, s)
	if len(tracks) > 0 {
		if err = s.AddLocalTracks(tracks...); err != nil {
			c.params.Logger.Errorw("could not attach tracks to incoming session", err)
		}
	}
	if err = s.AcceptOffer(*stanza.Description); err != nil {
		c.params.Logger.Errorw("could not accept incoming offer", err, "session", s.ID())
	}
}

func (c *SessionCoordinator) OnAnswer(fromEndpointID string, stanza *types.Stanza) {
	c.runner.Enqueue(func() {
		c.lock.RLock()
		s := c.sessionsByID[stanza.SessionID]
		c.lock.RUnlock()
		if s == nil || stanza.Description == nil {
			return
		}
		if err := s.HandleAnswer(*stanza.Description); err != nil {
			c.params.Logger.Errorw("could not apply answer", err, "session", stanza.SessionID)
		}
	})
}

func (c *SessionCoordinator) OnTransportInfo(fromEndpointID string, stanza *types.Stanza) {
	c.runner.Enqueue(func() {
		c.lock.RLock()
		s := c.sessionsByID[stanza.SessionID]
		c.lock.RUnlock()
		if s == nil || stanza.Candidate == nil {
			return
		}
		if err := s.HandleTransportInfo(*stanza.Candidate); err != nil {
			c.params.Logger.Warnw("could not add remote candidate", err, "session", stanza.SessionID)
		}
	})
}

func (c *SessionCoordinator) OnTerminate(fromEndpointID string, stanza *types.Stanza) {
	c.runner.Enqueue(func() {
		c.lock.Lock()
		s := c.sessionsByID[stanza.SessionID]
		delete(c.sessionsByID, stanza.SessionID)
		if s != nil {
			if c.direct == s {
				c.direct = nil
			}
			if c.relayed == s {
				c.relayed = nil
			}
		}
		c.lock.Unlock()
		if s == nil {
			return
		}
		if c.activeSessionRole() == s.Role() && s.Role() == types.SessionRoleDirect {
			c.switchActiveSession(types.SessionRoleRelayed)
		}
		s.HandleRemoteTerminate(stanza.Reason)
	})
}

func (c *SessionCoordinator) OnICERestartRequired(fromEndpointID string) {
	c.runner.Enqueue(func() {
		c.lock.RLock()
		sessions := c.liveSessionsLocked()
		c.lock.RUnlock()
		for _, s := range sessions {
			if s.RemoteEndpointID() != fromEndpointID {
				continue
			}
			if err := s.RestartICE(); err != nil {
				c.params.Logger.Errorw("ice restart failed", err, "session", s.ID())
			}
		}
	})
}

// ---------------------------------------------------------------
// remote track plumbing

func (c *SessionCoordinator) wireRemoteTracks(t SessionTransport, s *session.MediaSession) {
	t.OnRemoteTrackAdded(func(remote *types.RemoteTrack) {
		c.runner.Enqueue(func() {
			source := remote.Descriptor.SourceName
			c.lock.Lock()
			if remote.Descriptor.OwnerEndpointID != "" {
				c.sourceOwners[source] = remote.Descriptor.OwnerEndpointID
			}
			tracker := c.trackers[source]
			if tracker == nil {
				mode := streamstatus.ModeRelay
				if c.activeRole == types.SessionRoleDirect {
					mode = streamstatus.ModeDirect
				}
				tracker = streamstatus.NewTracker(streamstatus.TrackerParams{
					SourceName:      source,
					Config:          c.params.Conf.StreamingStatus,
					Logger:          c.params.Logger,
					OnStatusChanged: c.handleStreamingStatusChanged,
				})
				tracker.SetMode(mode)
				c.trackers[source] = tracker
			}
			inSet := c.forwardedSet[source]
			active := c.activeRole == s.Role()
			c.lock.Unlock()

			if inSet {
				tracker.OnForwardedSetChanged(true, false)
			}
			if active {
				c.bus.Emit(Event{Kind: EventRemoteTrackAdded, RemoteTrack: remote})
			}
		})
	})
	t.OnRemoteTrackRemoved(func(remote *types.RemoteTrack) {
		c.runner.Enqueue(func() {
			source := remote.Descriptor.SourceName
			c.lock.Lock()
			tracker := c.trackers[source]
			delete(c.trackers, source)
			active := c.activeRole == s.Role()
			c.lock.Unlock()

			if tracker != nil {
				tracker.Close()
			}
			if active {
				c.bus.Emit(Event{Kind: EventRemoteTrackRemoved, RemoteTrack: remote})
			}
		})
	})
}

func (c *SessionCoordinator) handleStreamingStatusChanged(sourceName string, status streamstatus.Status) {
	c.bus.Emit(Event{
		Kind: EventStreamingStatusChanged,
		StreamingStatus: &StreamingStatusChange{
			SourceName: sourceName,
			Status:     status,
		},
	})
}

func (c *SessionCoordinator) resolveOwner(sourceName string) string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.sourceOwners[sourceName]
}

// caller holds lock
func (c *SessionCoordinator) localTrackListLocked() []types.LocalTrack {
	tracks := make([]types.LocalTrack, 0, len(c.localTracks))
	for _, track := range c.localTracks {
		tracks = append(tracks, track)
	}
	return tracks
}

// ---------------------------------------------------------------
// bridge messages

func (c *SessionCoordinator) handleBridgeMessage(colibriClass string, raw []byte) {
	c.runner.Enqueue(func() {
		switch colibriClass {
		case bridge.ClassLastNChanged:
			var msg bridge.LastNChangedMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			c.lock.Lock()
			c.lastN = msg.LastN
			c.lock.Unlock()
		case bridge.ClassSourceVideoType:
			var msg bridge.SourceVideoTypeMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			c.lock.RLock()
			tracker := c.trackers[msg.SourceName]
			c.lock.RUnlock()
			if tracker != nil {
				tracker.OnVideoTypeChanged()
			}
		case bridge.ClassEndpointMessage:
			var msg bridge.EndpointMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			c.params.Logger.Debugw("endpoint message received", "from", msg.From)
		default:
			c.params.Logger.Debugw("unhandled bridge message", "class", colibriClass)
		}
	})
}
