package moments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// self healing duplex channel between one client and the server. the link
// hides reconnect mechanics and exposes an explicit state, an ordered inbound
// message stream, and a send that fails visibly while the link is not open.
// outbound messages are never queued across a disconnect; retry on failure
// belongs to the caller.
//
// states and transitions:
//
//	connecting -> open        dial succeeded
//	connecting -> backoff     dial failed
//	open       -> backoff     read or write failed
//	backoff    -> connecting  retry delay elapsed
//	any        -> closed      Logout, terminal
//
// transitions are driven only by transport events and Logout. reconnect
// delays grow exponentially up to a ceiling and attempts are unbounded.

type LinkState string

const (
	LinkStateConnecting LinkState = "connecting"
	LinkStateOpen       LinkState = "open"
	LinkStateBackoff    LinkState = "backoff"
	LinkStateClosed     LinkState = "closed"
)

var ErrLinkNotOpen = errors.New("link not open")
var ErrLinkFull = errors.New("link send buffer full")

type LinkStateChangeFunction func(state LinkState)

type LinkReceiveFunction func(message []byte)

type LinkSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBufferSize      int
	// envelopes are small, media bytes never ride the socket
	MessageSizeLimit ByteCount
}

func DefaultLinkSettings() *LinkSettings {
	return &LinkSettings{
		WsHandshakeTimeout:  5 * time.Second,
		ReconnectMinTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         30 * time.Second,
		SendBufferSize:      32,
		MessageSizeLimit:    mib(1),
	}
}

// derives the socket endpoint from the hosting origin. a secure origin
// always selects the secure socket scheme, never the reverse.
func EndpointFromOrigin(origin string, momentId string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unknown origin scheme: %s", u.Scheme)
	}
	u.Path = fmt.Sprintf("/ws/moments/%s", momentId)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type Link struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	linkId   Id

	settings *LinkSettings

	stateLock sync.Mutex
	state     LinkState
	// owned by the current connection. nil unless open.
	send         chan []byte
	attemptCount int

	stateChangeCallbacks *callbackList[LinkStateChangeFunction]
	receiveCallbacks     *callbackList[LinkReceiveFunction]
}

func NewLinkWithDefaults(ctx context.Context, endpoint string) *Link {
	return NewLink(ctx, endpoint, DefaultLinkSettings())
}

func NewLink(ctx context.Context, endpoint string, settings *LinkSettings) *Link {
	cancelCtx, cancel := context.WithCancel(ctx)
	link := &Link{
		ctx:                  cancelCtx,
		cancel:               cancel,
		endpoint:             endpoint,
		linkId:               NewId(),
		settings:             settings,
		state:                LinkStateConnecting,
		stateChangeCallbacks: newCallbackList[LinkStateChangeFunction](),
		receiveCallbacks:     newCallbackList[LinkReceiveFunction](),
	}
	go link.run()
	return link
}

func (self *Link) LinkId() Id {
	return self.linkId
}

func (self *Link) State() LinkState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// dial attempts so far
func (self *Link) AttemptCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.attemptCount
}

// the callback fires on every transition, outside the state lock
func (self *Link) AddStateChangeCallback(stateChangeCallback LinkStateChangeFunction) func() {
	return self.stateChangeCallbacks.add(stateChangeCallback)
}

// callbacks fire on the read loop, so the inbound stream stays ordered
func (self *Link) AddReceiveCallback(receiveCallback LinkReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *Link) setState(state LinkState, send chan []byte) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == LinkStateClosed {
			// terminal
			return
		}
		if state == LinkStateConnecting {
			self.attemptCount += 1
		}
		changed = self.state != state
		self.state = state
		self.send = send
	}()
	if changed {
		for _, stateChangeCallback := range self.stateChangeCallbacks.get() {
			HandleError(func() {
				stateChangeCallback(state)
			})
		}
	}
}

// hands the message to the current connection. fails when the link is not
// open or the connection cannot accept more. never blocks.
func (self *Link) Send(message []byte) error {
	self.stateLock.Lock()
	state := self.state
	send := self.send
	self.stateLock.Unlock()

	if state != LinkStateOpen || send == nil {
		return ErrLinkNotOpen
	}
	select {
	case send <- message:
		return nil
	default:
		return ErrLinkFull
	}
}

func (self *Link) run() {
	defer func() {
		self.cancel()
		self.setState(LinkStateClosed, nil)
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = self.settings.ReconnectMinTimeout
	retry.MaxInterval = self.settings.ReconnectMaxTimeout
	retry.Multiplier = 2
	// reconnect attempts are unbounded
	retry.MaxElapsedTime = 0
	retry.Reset()

	pingMessage := RequireEncodeEnvelope(&Envelope{
		Type: MessageTypePing,
	})

	for {
		self.setState(LinkStateConnecting, nil)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.endpoint, nil)
		if err != nil {
			glog.Infof("[l]%s connect error = %s\n", self.linkId, err)
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			self.setState(LinkStateBackoff, nil)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}

		retry.Reset()
		ws.SetReadLimit(self.settings.MessageSizeLimit)
		send := make(chan []byte, self.settings.SendBufferSize)
		self.setState(LinkStateOpen, send)
		glog.V(2).Infof("[l]%s open %s\n", self.linkId, self.endpoint)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[ls]%s-> error = %s\n", self.linkId, err)
							return
						}
						glog.V(2).Infof("[ls]%s->\n", self.linkId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, pingMessage); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[lr]%s<- error = %s\n", self.linkId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						glog.V(2).Infof("[lr]%s<-\n", self.linkId)
						self.received(message)
					default:
						glog.V(2).Infof("[lr]other=%d %s<-\n", messageType, self.linkId)
					}
				}
			}()

			<-handleCtx.Done()
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setState(LinkStateBackoff, nil)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(retry.NextBackOff()):
		}
	}
}

func (self *Link) received(message []byte) {
	for _, receiveCallback := range self.receiveCallbacks.get() {
		HandleError(func() {
			receiveCallback(message)
		})
	}
}

// deliberate client close. terminal, reconnect is never attempted.
func (self *Link) Logout() {
	self.cancel()
}

func (self *Link) Close() {
	self.Logout()
}
