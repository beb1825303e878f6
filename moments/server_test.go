package moments

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func newTestServer(t *testing.T, ctx context.Context, store MomentStore) (*Server, *httptest.Server) {
	layer := NewLocalChannelLayer()
	server := NewServerWithDefaults(ctx, layer, store, PlainIdentity())

	router := mux.NewRouter()
	server.AttachRoutes(router)
	httpServer := httptest.NewServer(router)

	t.Cleanup(func() {
		httpServer.Close()
		server.Close()
		layer.Close()
	})
	return server, httpServer
}

func wsEndpoint(httpServer *httptest.Server, momentId string) string {
	return fmt.Sprintf("ws%s/ws/moments/%s", strings.TrimPrefix(httpServer.URL, "http"), momentId)
}

func dialWs(t *testing.T, httpServer *httptest.Server, momentId string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(wsEndpoint(httpServer, momentId), nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

func dialMoment(t *testing.T, httpServer *httptest.Server, momentId string, identityValue string) *websocket.Conn {
	ws := dialWs(t, httpServer, momentId)
	writeEnvelope(t, ws, &Envelope{
		Type:  MessageTypeInit,
		Value: identityValue,
	})
	return ws
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, envelope *Envelope) {
	err := ws.WriteMessage(websocket.TextMessage, RequireEncodeEnvelope(envelope))
	assert.Equal(t, err, nil)
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *Envelope {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	envelope, err := DecodeEnvelope(message)
	assert.Equal(t, err, nil)
	return envelope
}

func awaitMemberCount(t *testing.T, server *Server, channelId string, memberCount int) {
	endTime := time.Now().Add(5 * time.Second)
	for {
		if server.Registry().MemberCount(channelId) == memberCount {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("missing member count %d for %s", memberCount, channelId)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	server, httpServer := newTestServer(t, ctx, store)

	c1 := dialMoment(t, httpServer, "m1", "alice")
	snapshot := readEnvelope(t, c1)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)
	assert.Equal(t, snapshot.Moment.MomentId, "m1")
	assert.Equal(t, len(snapshot.Moment.MediaIds), 0)
	assert.Equal(t, snapshot.Moment.MemberCount, 1)

	c2 := dialMoment(t, httpServer, "m1", "bob")
	snapshot = readEnvelope(t, c2)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)
	assert.Equal(t, snapshot.Moment.MemberCount, 2)

	// the first joiner owns the moment
	owner, err := store.Owner(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, owner, "alice")
	online, err := store.Online(ctx, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, online, true)
	assert.Equal(t, server.Registry().MemberCount("m1"), 2)

	// add reaches every member, the sender included, with
	// the authenticated sender and the client tag attached
	mediaId := GenerateMediaId()
	writeEnvelope(t, c1, &Envelope{
		Type:  MessageTypeAddMoment,
		Value: mediaId,
		Tag:   "t-1",
	})
	for _, ws := range []*websocket.Conn{c1, c2} {
		envelope := readEnvelope(t, ws)
		assert.Equal(t, envelope.Type, MessageTypeAddMoment)
		assert.Equal(t, envelope.Value, mediaId)
		assert.Equal(t, envelope.Sender, "alice")
		assert.Equal(t, envelope.Tag, "t-1")
	}
	mediaIds, err := store.MediaIds(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, mediaIds, []string{mediaId})

	// typing excludes the sender
	writeEnvelope(t, c2, &Envelope{
		Type:     MessageTypeTyping,
		MomentId: "m1",
		IsTyping: true,
	})
	envelope := readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeTyping)
	assert.Equal(t, envelope.Sender, "bob")
	assert.Equal(t, envelope.IsTyping, true)

	writeEnvelope(t, c1, &Envelope{
		Type:  MessageTypeDeleteMoment,
		Value: mediaId,
	})
	// the delete is the next envelope on c2, which also proves c2
	// never saw its own typing
	envelope = readEnvelope(t, c2)
	assert.Equal(t, envelope.Type, MessageTypeDeleteMoment)
	assert.Equal(t, envelope.Value, mediaId)
	assert.Equal(t, envelope.Sender, "alice")
	envelope = readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeDeleteMoment)

	mediaIds, err = store.MediaIds(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(mediaIds), 0)
}

func TestServerSenderNeverSpoofed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	_, httpServer := newTestServer(t, ctx, store)

	c1 := dialMoment(t, httpServer, "m1", "alice")
	readEnvelope(t, c1)
	c2 := dialMoment(t, httpServer, "m1", "bob")
	readEnvelope(t, c2)

	writeEnvelope(t, c1, &Envelope{
		Type:     MessageTypeTyping,
		MomentId: "m1",
		IsTyping: true,
		Sender:   "mallory",
	})
	envelope := readEnvelope(t, c2)
	assert.Equal(t, envelope.Type, MessageTypeTyping)
	assert.Equal(t, envelope.Sender, "alice")
}

func TestServerInitRequired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	_, httpServer := newTestServer(t, ctx, store)

	ws := dialWs(t, httpServer, "m1")

	// everything before a successful init is dropped without
	// closing the link
	err := ws.WriteMessage(websocket.TextMessage, RequireEncodeEnvelope(&Envelope{
		Type:  MessageTypeAddMoment,
		Value: GenerateMediaId(),
	}))
	assert.Equal(t, err, nil)
	err = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	assert.Equal(t, err, nil)

	writeEnvelope(t, ws, &Envelope{
		Type:  MessageTypeInit,
		Value: "alice",
	})
	// the link processes in order, so an empty snapshot proves the
	// earlier add never reached the store
	snapshot := readEnvelope(t, ws)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)
	assert.Equal(t, len(snapshot.Moment.MediaIds), 0)

	mediaIds, err := store.MediaIds(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(mediaIds), 0)
}

func TestServerUnknownAndKeepalive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	_, httpServer := newTestServer(t, ctx, store)

	ws := dialMoment(t, httpServer, "m1", "alice")
	readEnvelope(t, ws)

	// an unknown type is ignored, not an error and not a fan-out
	err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"moment_reaction","value":"x"}`))
	assert.Equal(t, err, nil)

	writeEnvelope(t, ws, &Envelope{
		Type: MessageTypePing,
	})
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageTypePong)
}

func TestServerMembership(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	store.EnsureMoment(ctx, "m1", "alice")
	store.Allow(ctx, "m1", "bob")
	server, httpServer := newTestServer(t, ctx, store)

	c1 := dialMoment(t, httpServer, "m1", "alice")
	snapshot := readEnvelope(t, c1)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)

	c2 := dialMoment(t, httpServer, "m1", "bob")
	snapshot = readEnvelope(t, c2)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)

	// carol is not on the allow list. the server drops the link on init.
	c3 := dialMoment(t, httpServer, "m1", "carol")
	c3.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c3.ReadMessage()
	assert.NotEqual(t, err, nil)

	assert.Equal(t, server.Registry().MemberCount("m1"), 2)
	owner, err := store.Owner(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, owner, "alice")
	online, err := store.Online(ctx, "carol")
	assert.Equal(t, err, nil)
	assert.Equal(t, online, false)

	// an add notifies the other recorded members on their user channels
	mediaId := GenerateMediaId()
	writeEnvelope(t, c2, &Envelope{
		Type:  MessageTypeAddMoment,
		Value: mediaId,
	})
	envelope := readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeAddMoment)
	assert.Equal(t, envelope.Sender, "bob")
	envelope = readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeNotification)
	assert.Equal(t, envelope.Body, "bob added media to m1")

	// the actor receives the add echo and no notification, proven by
	// the pong arriving next
	envelope = readEnvelope(t, c2)
	assert.Equal(t, envelope.Type, MessageTypeAddMoment)
	writeEnvelope(t, c2, &Envelope{
		Type: MessageTypePing,
	})
	envelope = readEnvelope(t, c2)
	assert.Equal(t, envelope.Type, MessageTypePong)
}

func TestServerNotifyUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryMomentStoreWithDefaults()
	defer store.Close()
	server, httpServer := newTestServer(t, ctx, store)

	ws := dialMoment(t, httpServer, "m1", "alice")
	readEnvelope(t, ws)

	server.NotifyUser("alice", "new moment", "bob shared a moment with you")

	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageTypeNotification)
	assert.Equal(t, envelope.Title, "new moment")
	assert.Equal(t, envelope.Body, "bob shared a moment with you")
}

func TestServerCrossNodeFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := miniredis.RunT(t)
	redisOpts := &redis.Options{Addr: s.Addr()}

	store := NewRedisMomentStoreWithDefaults(redisOpts)
	defer store.Close()

	layer1, err := NewRedisChannelLayerWithDefaults(ctx, redisOpts)
	assert.Equal(t, err, nil)
	defer layer1.Close()
	layer2, err := NewRedisChannelLayerWithDefaults(ctx, redisOpts)
	assert.Equal(t, err, nil)
	defer layer2.Close()

	server1 := NewServerWithDefaults(ctx, layer1, store, PlainIdentity())
	defer server1.Close()
	server2 := NewServerWithDefaults(ctx, layer2, store, PlainIdentity())
	defer server2.Close()

	router1 := mux.NewRouter()
	server1.AttachRoutes(router1)
	httpServer1 := httptest.NewServer(router1)
	defer httpServer1.Close()

	router2 := mux.NewRouter()
	server2.AttachRoutes(router2)
	httpServer2 := httptest.NewServer(router2)
	defer httpServer2.Close()

	// pub/sub is fire and forget. probe until both subscriptions are live.
	probes1 := make(chan struct{}, 1024)
	removeProbe1 := layer1.AddRelayCallback(func(relay *Relay) {
		if relay.ChannelId == "probe" {
			select {
			case probes1 <- struct{}{}:
			default:
			}
		}
	})
	defer removeProbe1()
	probes2 := make(chan struct{}, 1024)
	removeProbe2 := layer2.AddRelayCallback(func(relay *Relay) {
		if relay.ChannelId == "probe" {
			select {
			case probes2 <- struct{}{}:
			default:
			}
		}
	})
	defer removeProbe2()
	awaitProbe := func(probes chan struct{}) {
		endTime := time.Now().Add(5 * time.Second)
		for {
			err := layer1.Publish(&Relay{
				ChannelId: "probe",
				Policy:    BroadcastAll,
				Message:   []byte(`{}`),
			})
			assert.Equal(t, err, nil)
			select {
			case <-probes:
				return
			case <-time.After(50 * time.Millisecond):
			}
			if endTime.Before(time.Now()) {
				t.Fatal("missing probe relay")
			}
		}
	}
	awaitProbe(probes1)
	awaitProbe(probes2)

	c1 := dialMoment(t, httpServer1, "m1", "alice")
	snapshot := readEnvelope(t, c1)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)
	c2 := dialMoment(t, httpServer2, "m1", "bob")
	snapshot = readEnvelope(t, c2)
	assert.Equal(t, snapshot.Type, MessageTypeMomentData)

	// an add on node 1 reaches the member attached to node 2
	mediaId := GenerateMediaId()
	writeEnvelope(t, c1, &Envelope{
		Type:  MessageTypeAddMoment,
		Value: mediaId,
	})
	for _, ws := range []*websocket.Conn{c1, c2} {
		envelope := readEnvelope(t, ws)
		assert.Equal(t, envelope.Type, MessageTypeAddMoment)
		assert.Equal(t, envelope.Value, mediaId)
		assert.Equal(t, envelope.Sender, "alice")
	}

	mediaIds, err := store.MediaIds(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, mediaIds, []string{mediaId})

	// typing from node 2 reaches node 1 and still skips the sender.
	// the relay carries the origin link id, so the exclusion holds on
	// the sender's own node. the delete arriving next on the sender
	// proves the typing never echoed back.
	writeEnvelope(t, c2, &Envelope{
		Type:     MessageTypeTyping,
		MomentId: "m1",
		IsTyping: true,
	})
	envelope := readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeTyping)
	assert.Equal(t, envelope.Sender, "bob")
	assert.Equal(t, envelope.IsTyping, true)

	writeEnvelope(t, c2, &Envelope{
		Type:  MessageTypeDeleteMoment,
		Value: mediaId,
	})
	envelope = readEnvelope(t, c2)
	assert.Equal(t, envelope.Type, MessageTypeDeleteMoment)
	envelope = readEnvelope(t, c1)
	assert.Equal(t, envelope.Type, MessageTypeDeleteMoment)

	mediaIds, err = store.MediaIds(ctx, "m1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(mediaIds), 0)
}
