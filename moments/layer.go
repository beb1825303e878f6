package moments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// fan-out substrate behind the channel registry. a relay published by one
// process reaches the registry of every process, so a moment's members can be
// attached anywhere. the local layer closes the loop in process for a single
// node deployment and for tests.

// one cross-process fan-out record. the message is an encoded envelope,
// carried opaque. the sender link id travels with the relay so that the
// exclude-sender policy holds on every node.
type Relay struct {
	ChannelId    string          `json:"channel_id"`
	SenderLinkId Id              `json:"sender_link_id"`
	Policy       BroadcastPolicy `json:"policy"`
	Message      json.RawMessage `json:"message"`
}

type RelayFunction func(relay *Relay)

type ChannelLayer interface {
	Publish(relay *Relay) error
	AddRelayCallback(relayCallback RelayFunction) func()
	Close()
}

// in-process layer. publish loops straight back to the relay callbacks.
type LocalChannelLayer struct {
	relayCallbacks *callbackList[RelayFunction]
}

func NewLocalChannelLayer() *LocalChannelLayer {
	return &LocalChannelLayer{
		relayCallbacks: newCallbackList[RelayFunction](),
	}
}

func (self *LocalChannelLayer) Publish(relay *Relay) error {
	for _, relayCallback := range self.relayCallbacks.get() {
		HandleError(func() {
			relayCallback(relay)
		})
	}
	return nil
}

func (self *LocalChannelLayer) AddRelayCallback(relayCallback RelayFunction) func() {
	return self.relayCallbacks.add(relayCallback)
}

func (self *LocalChannelLayer) Close() {
}

type RedisChannelLayerSettings struct {
	// namespace for keys and the relay channel
	KeyPrefix string
	// connect check timeout at construction
	PingTimeout time.Duration
}

func DefaultRedisChannelLayerSettings() *RedisChannelLayerSettings {
	return &RedisChannelLayerSettings{
		KeyPrefix:   "moments",
		PingTimeout: 5 * time.Second,
	}
}

// layer over redis pub/sub. all relays travel on one fixed channel,
// `<prefix>:relay`. every node sees every relay and filters by local
// membership, which trades subscription bookkeeping for broadcast volume.
type RedisChannelLayer struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	settings *RedisChannelLayerSettings

	relayCallbacks *callbackList[RelayFunction]
}

func NewRedisChannelLayerWithDefaults(ctx context.Context, redisOpts *redis.Options) (*RedisChannelLayer, error) {
	return NewRedisChannelLayer(ctx, redisOpts, DefaultRedisChannelLayerSettings())
}

func NewRedisChannelLayer(ctx context.Context, redisOpts *redis.Options, settings *RedisChannelLayerSettings) (*RedisChannelLayer, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := redis.NewClient(redisOpts)

	pingCtx, pingCancel := context.WithTimeout(cancelCtx, settings.PingTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}

	redisChannelLayer := &RedisChannelLayer{
		ctx:            cancelCtx,
		cancel:         cancel,
		client:         client,
		settings:       settings,
		relayCallbacks: newCallbackList[RelayFunction](),
	}
	go redisChannelLayer.run()
	return redisChannelLayer, nil
}

func (self *RedisChannelLayer) relayChannel() string {
	return fmt.Sprintf("%s:relay", self.settings.KeyPrefix)
}

func (self *RedisChannelLayer) run() {
	defer self.cancel()

	pubsub := self.client.Subscribe(self.ctx, self.relayChannel())
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			relay := &Relay{}
			if err := json.Unmarshal([]byte(message.Payload), relay); err != nil {
				glog.Infof("[lay]drop relay = %s\n", err)
				continue
			}
			glog.V(2).Infof("[lay]%s<- %s\n", relay.ChannelId, relay.SenderLinkId)
			for _, relayCallback := range self.relayCallbacks.get() {
				HandleError(func() {
					relayCallback(relay)
				})
			}
		}
	}
}

func (self *RedisChannelLayer) Publish(relay *Relay) error {
	b, err := json.Marshal(relay)
	if err != nil {
		return err
	}
	return self.client.Publish(self.ctx, self.relayChannel(), b).Err()
}

func (self *RedisChannelLayer) AddRelayCallback(relayCallback RelayFunction) func() {
	return self.relayCallbacks.add(relayCallback)
}

func (self *RedisChannelLayer) Close() {
	self.cancel()
	self.client.Close()
}
