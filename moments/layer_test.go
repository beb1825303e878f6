package moments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalChannelLayer(t *testing.T) {
	layer := NewLocalChannelLayer()
	defer layer.Close()

	relays := []*Relay{}
	remove := layer.AddRelayCallback(func(relay *Relay) {
		relays = append(relays, relay)
	})

	senderLinkId := NewId()
	err := layer.Publish(&Relay{
		ChannelId:    "m1",
		SenderLinkId: senderLinkId,
		Policy:       BroadcastOthers,
		Message:      json.RawMessage(`{"type":"typing"}`),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(relays), 1)
	assert.Equal(t, relays[0].ChannelId, "m1")
	assert.Equal(t, relays[0].SenderLinkId, senderLinkId)
	assert.Equal(t, relays[0].Policy, BroadcastOthers)

	remove()
	layer.Publish(&Relay{
		ChannelId: "m1",
	})
	assert.Equal(t, len(relays), 1)
}

func TestRedisChannelLayer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := miniredis.RunT(t)

	layer, err := NewRedisChannelLayerWithDefaults(ctx, &redis.Options{
		Addr: s.Addr(),
	})
	assert.Equal(t, err, nil)
	defer layer.Close()

	relays := make(chan *Relay, 8)
	remove := layer.AddRelayCallback(func(relay *Relay) {
		relays <- relay
	})
	defer remove()

	senderLinkId := NewId()
	relay := &Relay{
		ChannelId:    "m1",
		SenderLinkId: senderLinkId,
		Policy:       BroadcastAll,
		Message:      json.RawMessage(`{"type":"add_moment","value":"media-a"}`),
	}

	// pub/sub is fire and forget, publish until the subscription is live
	timeout := time.After(5 * time.Second)
	for {
		err := layer.Publish(relay)
		assert.Equal(t, err, nil)

		select {
		case received := <-relays:
			assert.Equal(t, received.ChannelId, "m1")
			assert.Equal(t, received.SenderLinkId, senderLinkId)
			assert.Equal(t, received.Policy, BroadcastAll)
			assert.Equal(t, string(received.Message), `{"type":"add_moment","value":"media-a"}`)
			return
		case <-timeout:
			t.Fatal("missing relay")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRedisChannelLayerUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRedisChannelLayerSettings()
	settings.PingTimeout = 500 * time.Millisecond

	_, err := NewRedisChannelLayer(ctx, &redis.Options{
		Addr: "127.0.0.1:1",
	}, settings)
	assert.NotEqual(t, err, nil)
}
