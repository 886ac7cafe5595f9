package telegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

const TransportSendBufferSize = 32

type TransportState = string

const (
	// not connected and not retrying. Terminal after `Close`.
	TransportStateIdle       TransportState = "idle"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	// connection lost. A reconnect is pending on a fixed interval.
	TransportStateDisconnected TransportState = "disconnected"
)

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		// fixed interval, no backoff and no retry cap,
		// matching the platform clients
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

type EventFunction func(event *PushEvent)

// one logical persistent connection to the platform push channel
//
// on an unintended disconnect the transport stays in a single run loop that
// retries on `ReconnectTimeout` until the connection is reestablished or
// `Close` is called. The loop is the only reconnect scheduler, so scheduling
// is idempotent and no two connections are ever open simultaneously.
// `Connect` while connecting or connected is a no-op.
//
// outbound sends are best-effort. Anything requiring confirmation goes
// through `TelegraphApi`.
type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	api   *TelegraphApi

	settings *PushTransportSettings

	send chan []byte

	eventCallbacks *CallbackList[EventFunction]
	stateCallbacks *CallbackList[func(TransportState)]

	stateMutex sync.Mutex
	state      TransportState
}

func NewPushTransportWithDefaults(ctx context.Context, wsUrl string, api *TelegraphApi) *PushTransport {
	return NewPushTransport(ctx, wsUrl, api, DefaultPushTransportSettings())
}

func NewPushTransport(ctx context.Context, wsUrl string, api *TelegraphApi, settings *PushTransportSettings) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PushTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		wsUrl:          wsUrl,
		api:            api,
		settings:       settings,
		send:           make(chan []byte, TransportSendBufferSize),
		eventCallbacks: NewCallbackList[EventFunction](),
		stateCallbacks: NewCallbackList[func(TransportState)](),
		state:          TransportStateIdle,
	}
}

func (self *PushTransport) State() TransportState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *PushTransport) setState(state TransportState) {
	self.stateMutex.Lock()
	if self.state == state {
		self.stateMutex.Unlock()
		return
	}
	self.state = state
	self.stateMutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

// registers a multicast listener. Handlers fan out in registration order.
// returns an unsubscribe function.
func (self *PushTransport) AddEventCallback(callback EventFunction) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *PushTransport) AddStateChangeCallback(callback func(TransportState)) func() {
	return self.stateCallbacks.Add(callback)
}

// starts the connection run loop. No-op while the loop is already active
// (connecting, connected, or awaiting reconnect) and after `Close`.
func (self *PushTransport) Connect() {
	self.stateMutex.Lock()
	if self.state != TransportStateIdle || self.ctx.Err() != nil {
		self.stateMutex.Unlock()
		return
	}
	self.state = TransportStateConnecting
	self.stateMutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(TransportStateConnecting)
	}

	go self.run()
}

// best-effort outbound event. Dropped when the connection is down or the
// send buffer is full; delivery is never guaranteed.
func (self *PushTransport) SendEvent(event *PushEvent) {
	if self.State() != TransportStateConnected {
		glog.V(2).Infof("[pt]send drop (not connected) %s\n", event.Kind)
		return
	}
	frameBytes, err := json.Marshal(event)
	if err != nil {
		glog.Infof("[pt]send marshal error = %s\n", err)
		return
	}
	select {
	case self.send <- frameBytes:
	default:
		glog.V(2).Infof("[pt]send drop (backpressure) %s\n", event.Kind)
	}
}

// tears down the connection and cancels any pending reconnect
func (self *PushTransport) Close() {
	self.cancel()
	self.setState(TransportStateIdle)
}

func (self *PushTransport) run() {
	defer self.setState(TransportStateIdle)

	for {
		self.setState(TransportStateConnecting)

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[pt]connect error = %s\n", err)
			self.setState(TransportStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setState(TransportStateConnected)

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.handle(ws)
		self.setState(TransportStateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PushTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	header := http.Header{}
	if accessToken := self.api.AccessToken(); accessToken != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (self *PushTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[pt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[pt]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// liveness is judged by ping/pong, not data traffic. Pongs are control
	// frames that never surface from `ReadMessage`, so the deadline must be
	// extended from the pong handler or a quiet connection would hit the
	// read timeout between events.
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(appData string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[pt]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if event, err := parseFrame(frameBytes); err != nil {
				// malformed frames are dropped, never crash the chain
				glog.Infof("[pt]<- drop malformed frame = %s\n", err)
			} else {
				glog.V(2).Infof("[pt]<- %s\n", event.Kind)
				self.dispatch(event)
			}
		default:
			glog.V(2).Infof("[pt]<- other=%d\n", messageType)
		}
	}
}

func parseFrame(frameBytes []byte) (*PushEvent, error) {
	// cheap structural check and kind sniff before unmarshal
	frame, err := fastjson.ParseBytes(frameBytes)
	if err != nil {
		return nil, err
	}
	kindBytes := frame.GetStringBytes("kind")
	if len(kindBytes) == 0 {
		return nil, fmt.Errorf("missing kind")
	}

	event := &PushEvent{}
	if err := json.Unmarshal(frameBytes, event); err != nil {
		return nil, err
	}
	return event, nil
}

// one handler panicking must not prevent the remaining handlers
// from receiving the event
func (self *PushTransport) dispatch(event *PushEvent) {
	for _, callback := range self.eventCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[pt]handler panic = %v\n", r)
				}
			}()
			callback(event)
		}()
	}
}
