package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/clearmeet/conference-client/pkg/rtc/streamstatus"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

type EventKind int

const (
	EventRemoteTrackAdded EventKind = iota
	EventRemoteTrackRemoved
	EventStreamingStatusChanged
	EventDirectSessionStatusChanged
	EventConnectionStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventRemoteTrackAdded:
		return "remote-track-added"
	case EventRemoteTrackRemoved:
		return "remote-track-removed"
	case EventStreamingStatusChanged:
		return "streaming-status-changed"
	case EventDirectSessionStatusChanged:
		return "direct-session-status-changed"
	case EventConnectionStateChanged:
		return "connection-state-changed"
	default:
		return fmt.Sprintf("unknown: %d", int(k))
	}
}

// Event is the union of payloads observable from the engine. Only the
// fields of the emitting kind are set.
type Event struct {
	Kind EventKind

	RemoteTrack     *types.RemoteTrack
	StreamingStatus *StreamingStatusChange
	DirectSession   *DirectSessionStatus
	ConnectionState *ConnectionStateChange
}

type StreamingStatusChange struct {
	SourceName string
	Status     streamstatus.Status
}

type DirectSessionStatus struct {
	Active           bool
	RemoteEndpointID string
}

type ConnectionStateChange struct {
	Role  types.SessionRole
	State webrtc.PeerConnectionState
}

// EventBus fans engine events out to UI/stats collaborators. Handlers run
// synchronously on the emitting goroutine and must not block.
type EventBus struct {
	lock     sync.RWMutex
	handlers map[EventKind][]func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventKind][]func(Event))}
}

func (b *EventBus) Subscribe(kind EventKind, handler func(Event)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

func (b *EventBus) Emit(ev Event) {
	b.lock.RLock()
	handlers := b.handlers[ev.Kind]
	b.lock.RUnlock()
	for _, handler := range handlers {
		handler(ev)
	}
}
