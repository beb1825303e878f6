package moments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// server endpoint. one accepted connection is one server link, attached to
// its moment channel and its per-user channel after a successful `init`.
// every fan-out goes through the channel layer so that members attached to
// other nodes receive it too, then lands in the local registry of each node.
//
// the server is the single source of truth: the sender on a relayed envelope
// is always the authenticated username of the link that sent it, whatever
// the client put there.

var ErrDeliverFull = errors.New("deliver buffer full")

type ServerSettings struct {
	WriteTimeout time.Duration
	// must be longer than the client ping interval, the client keepalive
	// is what refreshes the read deadline
	ReadTimeout       time.Duration
	DeliverBufferSize int
	ReadBufferSize    int
	WriteBufferSize   int
	// envelopes are small, media bytes never ride the socket
	MessageSizeLimit ByteCount
	// enforce the store allow list on join. a moment with no allow list
	// stays open to everyone.
	ValidateMembership bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		DeliverBufferSize:  32,
		ReadBufferSize:     4 * 1024,
		WriteBufferSize:    4 * 1024,
		MessageSizeLimit:   mib(1),
		ValidateMembership: true,
	}
}

func userChannelId(username string) string {
	return fmt.Sprintf("user:%s", username)
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	layer    ChannelLayer
	store    MomentStore
	identity IdentityFunction

	settings *ServerSettings

	registry *ChannelRegistry

	removeRelayCallback func()
}

func NewServerWithDefaults(
	ctx context.Context,
	layer ChannelLayer,
	store MomentStore,
	identity IdentityFunction,
) *Server {
	return NewServer(ctx, layer, store, identity, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	layer ChannelLayer,
	store MomentStore,
	identity IdentityFunction,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		layer:    layer,
		store:    store,
		identity: identity,
		settings: settings,
		registry: NewChannelRegistry(),
	}
	server.removeRelayCallback = layer.AddRelayCallback(server.relayed)
	return server
}

// relay from the layer lands in the local registry
func (self *Server) relayed(relay *Relay) {
	self.registry.Broadcast(relay.ChannelId, relay.SenderLinkId, relay.Policy, relay.Message)
}

func (self *Server) broadcast(channelId string, senderLinkId Id, policy BroadcastPolicy, message []byte) {
	err := self.layer.Publish(&Relay{
		ChannelId:    channelId,
		SenderLinkId: senderLinkId,
		Policy:       policy,
		Message:      message,
	})
	if err != nil {
		glog.Infof("[s]publish error %s = %s\n", channelId, err)
	}
}

// pushes a notification envelope to every link of the user, on any node
func (self *Server) NotifyUser(username string, title string, body string) {
	message, err := EncodeEnvelope(&Envelope{
		Type:  MessageTypeNotification,
		Title: title,
		Body:  body,
	})
	if err != nil {
		return
	}
	self.broadcast(userChannelId(username), Id{}, BroadcastAll, message)
}

// pushes an upload notification to the recorded members of the moment
// other than the actor. a member without an attached link misses it.
func (self *Server) notifyMomentMembers(ctx context.Context, momentId string, actor string) {
	members, err := self.store.Members(ctx, momentId)
	if err != nil {
		glog.Infof("[s]members error %s = %s\n", momentId, err)
		return
	}
	for _, member := range members {
		if member == actor {
			continue
		}
		self.NotifyUser(member, "new media", fmt.Sprintf("%s added media to %s", actor, momentId))
	}
}

func (self *Server) Registry() *ChannelRegistry {
	return self.registry
}

func (self *Server) AttachRoutes(router *mux.Router) {
	router.HandleFunc("/ws/moments/{momentId}", self.ServeMoment)
}

func (self *Server) ServeMoment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	momentId := vars["momentId"]
	if momentId == "" {
		http.Error(w, "missing moment id", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  self.settings.ReadBufferSize,
		WriteBufferSize: self.settings.WriteBufferSize,
		// origin policy belongs to the fronting proxy
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	serverLink := newServerLink(self, ws, momentId)
	go serverLink.run()
}

func (self *Server) Close() {
	self.removeRelayCallback()
	self.cancel()
}

// one accepted connection

type serverLink struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *Server
	ws     *websocket.Conn

	momentId string
	linkId   Id

	deliver chan []byte

	stateLock sync.Mutex
	username  string
}

func newServerLink(server *Server, ws *websocket.Conn, momentId string) *serverLink {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &serverLink{
		ctx:      cancelCtx,
		cancel:   cancel,
		server:   server,
		ws:       ws,
		momentId: momentId,
		linkId:   NewId(),
		deliver:  make(chan []byte, server.settings.DeliverBufferSize),
	}
}

// Member interface

func (self *serverLink) LinkId() Id {
	return self.linkId
}

// never blocks. a full buffer drops this link from the channel.
func (self *serverLink) Deliver(message []byte) error {
	select {
	case self.deliver <- message:
		return nil
	default:
		return ErrDeliverFull
	}
}

func (self *serverLink) setUsername(username string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.username = username
}

func (self *serverLink) Username() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.username
}

func (self *serverLink) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		if username := self.Username(); username != "" {
			self.server.registry.Leave(self.momentId, self.linkId)
			self.server.registry.Leave(userChannelId(username), self.linkId)
		}
		glog.V(2).Infof("[sl]%s close\n", self.linkId)
	}()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-self.deliver:
				if !ok {
					return
				}

				self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[sl]%s-> error = %s\n", self.linkId, err)
					return
				}
				glog.V(2).Infof("[sl]%s->\n", self.linkId)
			}
		}
	}()

	self.ws.SetReadLimit(self.server.settings.MessageSizeLimit)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.server.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[sl]%s<- error = %s\n", self.linkId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if closeLink := self.handleMessage(message); closeLink {
				return
			}
		default:
			glog.V(2).Infof("[sl]other=%d %s<-\n", messageType, self.linkId)
		}
	}
}

// returns true when the link must close
func (self *serverLink) handleMessage(message []byte) bool {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		// dropped. a bad envelope never takes down the link.
		glog.Infof("[sl]%s drop = %s\n", self.linkId, err)
		return false
	}

	if envelope.Type == MessageTypeInit {
		return self.handleInit(envelope)
	}

	username := self.Username()
	if username == "" {
		glog.Infof("[sl]%s drop %s before init\n", self.linkId, envelope.Type)
		return false
	}

	switch envelope.Type {
	case MessageTypeAddMoment:
		if envelope.Value == "" {
			glog.Infof("[sl]%s drop add with no value\n", self.linkId)
			return false
		}
		if err := self.server.store.AddMedia(self.ctx, self.momentId, envelope.Value); err != nil {
			glog.Infof("[sl]%s add error = %s\n", self.linkId, err)
			return false
		}
		self.fanOut(envelope, username, BroadcastAll)
		self.server.store.Touch(self.ctx, username)
		self.server.notifyMomentMembers(self.ctx, self.momentId, username)
	case MessageTypeDeleteMoment:
		if envelope.Value == "" {
			glog.Infof("[sl]%s drop delete with no value\n", self.linkId)
			return false
		}
		if err := self.server.store.RemoveMedia(self.ctx, self.momentId, envelope.Value); err != nil {
			glog.Infof("[sl]%s delete error = %s\n", self.linkId, err)
			return false
		}
		self.fanOut(envelope, username, BroadcastAll)
	case MessageTypeTyping:
		self.fanOut(envelope, username, BroadcastOthers)
		self.server.store.Touch(self.ctx, username)
	case MessageTypeWebrtcOffer, MessageTypeWebrtcAnswer, MessageTypeWebrtcIceCandidate:
		// relayed verbatim, the signal payload is never inspected
		self.fanOut(envelope, username, BroadcastOthers)
	case MessageTypePing:
		pong := RequireEncodeEnvelope(&Envelope{
			Type: MessageTypePong,
		})
		self.Deliver(pong)
	case MessageTypePong:
		glog.V(2).Infof("[sl]%s pong\n", self.linkId)
	default:
		// includes known server-only types arriving from a client.
		// logged and ignored so that an older server tolerates newer clients.
		glog.Infof("[sl]%s unknown type %s\n", self.linkId, envelope.Type)
	}
	return false
}

func (self *serverLink) handleInit(envelope *Envelope) bool {
	username, err := self.server.identity(envelope.Value)
	if err != nil {
		glog.Infof("[sl]%s init error = %s\n", self.linkId, err)
		return false
	}

	if self.server.settings.ValidateMembership {
		allowed, err := self.server.store.Allowed(self.ctx, self.momentId, username)
		if err != nil {
			glog.Infof("[sl]%s allowed error = %s\n", self.linkId, err)
			return true
		}
		if !allowed {
			glog.Infof("[sl]%s %s not allowed in %s\n", self.linkId, username, self.momentId)
			return true
		}
	}

	// the first joiner of an unowned moment becomes the owner
	self.server.store.EnsureMoment(self.ctx, self.momentId, username)
	self.server.store.Touch(self.ctx, username)

	self.setUsername(username)
	self.server.registry.Join(self.momentId, self)
	self.server.registry.Join(userChannelId(username), self)
	glog.V(1).Infof("[sl]%s join %s as %s\n", self.linkId, self.momentId, username)

	self.sendMomentData()
	return false
}

// state snapshot to this link only
func (self *serverLink) sendMomentData() {
	mediaIds, err := self.server.store.MediaIds(self.ctx, self.momentId)
	if err != nil {
		glog.Infof("[sl]%s snapshot error = %s\n", self.linkId, err)
		return
	}
	message, err := EncodeEnvelope(&Envelope{
		Type: MessageTypeMomentData,
		Moment: &MomentData{
			MomentId:    self.momentId,
			MediaIds:    mediaIds,
			MediaCount:  len(mediaIds),
			MemberCount: self.server.registry.MemberCount(self.momentId),
		},
	})
	if err != nil {
		return
	}
	self.Deliver(message)
}

// re-encodes with the authenticated sender attached and publishes to the layer
func (self *serverLink) fanOut(envelope *Envelope, username string, policy BroadcastPolicy) {
	envelope.Sender = username
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		glog.Infof("[sl]%s encode error = %s\n", self.linkId, err)
		return
	}
	self.server.broadcast(self.momentId, self.linkId, policy, message)
}
