package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/logger"
	"github.com/clearmeet/conference-client/pkg/telemetry"
	"github.com/clearmeet/conference-client/pkg/utils"
)

var (
	// sends fail fast; messages are never queued for later delivery
	ErrChannelUnavailable = errors.New("bridge channel is not open")
)

type ChannelParams struct {
	Config config.ChannelConfig
	Logger logger.Logger

	// OnMessage receives every inbound control message with its
	// colibriClass discriminator.
	OnMessage func(colibriClass string, raw []byte)
	OnOpen    func()
	// OnPermanentFailure fires once the websocket retry budget is spent.
	OnPermanentFailure func()
}

// Channel is the reliable control link to the relay: a negotiated data
// channel or a control websocket, whichever is available. Exactly one
// backend is active at a time.
type Channel struct {
	params ChannelParams

	lock       sync.Mutex
	dataCh     *webrtc.DataChannel
	dataChOpen bool
	ws         *websocket.Conn
	wsURL      string
	wsLock     sync.Mutex // serializes websocket writes

	retryCount int
	retryTimer *utils.CancelableTimer
	closed     core.Fuse
}

func NewChannel(params ChannelParams) *Channel {
	return &Channel{
		params:     params,
		retryTimer: utils.NewCancelableTimer(),
	}
}

// AttachDataChannel adopts a negotiated data channel from the relay
// transport. Its lifetime follows the transport; there is no retry policy
// on this variant.
func (c *Channel) AttachDataChannel(dc *webrtc.DataChannel) {
	c.lock.Lock()
	c.dataCh = dc
	c.lock.Unlock()

	dc.OnOpen(func() {
		c.lock.Lock()
		c.dataChOpen = true
		c.lock.Unlock()
		c.params.Logger.Infow("bridge data channel open", "label", dc.Label())
		if handler := c.params.OnOpen; handler != nil {
			handler()
		}
	})
	dc.OnClose(func() {
		c.lock.Lock()
		c.dataChOpen = false
		c.lock.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.dispatch(msg.Data)
	})
}

// ConnectWebsocket dials the relay control websocket and keeps it alive
// with a bounded retry-with-backoff loop on unexpected closes.
func (c *Channel) ConnectWebsocket(url string) error {
	c.lock.Lock()
	c.wsURL = url
	c.lock.Unlock()
	return c.dialWebsocket()
}

func (c *Channel) dialWebsocket() error {
	if c.closed.IsBroken() {
		return ErrChannelUnavailable
	}

	c.lock.Lock()
	url := c.wsURL
	c.lock.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		c.scheduleReconnect()
		return err
	}

	c.lock.Lock()
	c.ws = conn
	c.retryCount = 0
	c.lock.Unlock()

	c.params.Logger.Infow("bridge websocket open", "url", url)
	go c.readLoop(conn)
	if handler := c.params.OnOpen; handler != nil {
		handler()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lock.Lock()
			if c.ws == conn {
				c.ws = nil
			}
			c.lock.Unlock()

			if !c.closed.IsBroken() {
				c.params.Logger.Warnw("bridge websocket closed unexpectedly", err)
				c.scheduleReconnect()
			}
			return
		}
		c.dispatch(data)
	}
}

// scheduleReconnect arms the next dial with exponential backoff; retries
// stop once the owner closes the channel or the budget is exhausted.
func (c *Channel) scheduleReconnect() {
	if c.closed.IsBroken() {
		return
	}

	c.lock.Lock()
	c.retryCount++
	count := c.retryCount
	limit := c.params.Config.RetryLimit
	c.lock.Unlock()

	if count > limit {
		c.params.Logger.Errorw("bridge channel retry budget exhausted", nil, "retries", limit)
		if handler := c.params.OnPermanentFailure; handler != nil {
			handler()
		}
		return
	}

	delay := c.params.Config.RetryBackoff << (count - 1)
	if max := c.params.Config.MaxRetryDelay; max > 0 && delay > max {
		delay = max
	}
	telemetry.BridgeReconnect()
	c.params.Logger.Infow("bridge websocket reconnect scheduled",
		"attempt", count, "delay", delay.String())
	c.retryTimer.Arm(delay, func() {
		if err := c.dialWebsocket(); err != nil {
			c.params.Logger.Warnw("bridge websocket reconnect failed", err, "attempt", count)
		}
	})
}

func (c *Channel) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ColibriClass == "" {
		c.params.Logger.Warnw("discarding malformed bridge message", err)
		return
	}
	if handler := c.params.OnMessage; handler != nil {
		handler(env.ColibriClass, data)
	}
}

func (c *Channel) IsOpen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.dataChOpen || c.ws != nil
}

// SendMessage relays an endpoint-to-endpoint payload through the bridge.
func (c *Channel) SendMessage(to string, payload json.RawMessage) error {
	return c.send(&EndpointMessage{
		ColibriClass: ClassEndpointMessage,
		To:           to,
		MsgPayload:   payload,
	})
}

func (c *Channel) SendSetLastN(lastN int) error {
	return c.send(&LastNChangedMessage{
		ColibriClass: ClassLastNChanged,
		LastN:        lastN,
	})
}

func (c *Channel) SendSelectedEndpoints(endpointIDs []string) error {
	return c.send(&SelectedEndpointsChangedMessage{
		ColibriClass:      ClassSelectedEndpointsChanged,
		SelectedEndpoints: endpointIDs,
	})
}

func (c *Channel) SendReceiverConstraints(msg *ReceiverVideoConstraintsMessage) error {
	msg.ColibriClass = ClassReceiverVideoConstraintsChange
	return c.send(msg)
}

func (c *Channel) SendSourceVideoType(sourceName, videoType string) error {
	return c.send(&SourceVideoTypeMessage{
		ColibriClass: ClassSourceVideoType,
		SourceName:   sourceName,
		VideoType:    videoType,
	})
}

func (c *Channel) send(msg interface{}) error {
	if c.closed.IsBroken() {
		return ErrChannelUnavailable
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.lock.Lock()
	dc, dcOpen := c.dataCh, c.dataChOpen
	ws := c.ws
	c.lock.Unlock()

	switch {
	case dcOpen && (!c.params.Config.PreferWebsocket || ws == nil):
		return dc.Send(data)
	case ws != nil:
		c.wsLock.Lock()
		defer c.wsLock.Unlock()
		return ws.WriteMessage(websocket.TextMessage, data)
	default:
		return ErrChannelUnavailable
	}
}

// Close shuts the channel down for good; no reconnect follows.
func (c *Channel) Close() {
	c.closed.Once(func() {
		c.retryTimer.Cancel()

		c.lock.Lock()
		ws := c.ws
		c.ws = nil
		dc := c.dataCh
		c.dataCh = nil
		c.dataChOpen = false
		c.lock.Unlock()

		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
		if dc != nil {
			_ = dc.Close()
		}
	})
}
