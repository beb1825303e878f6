package moments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/redis/go-redis/v9"
)

// authoritative per-moment state on the server side. the store backs the
// state snapshot sent to a joining link and the permission check on join.
// fan-out never reads the store; it is membership driven.
//
// presence is a last seen marker per username with a freshness window,
// refreshed while a user has an attached link.

type MomentStore interface {
	// records the moment with its owner when missing. idempotent,
	// the first owner wins.
	EnsureMoment(ctx context.Context, momentId string, owner string) error
	// appends the media id when absent. a duplicate add keeps
	// the original position.
	AddMedia(ctx context.Context, momentId string, mediaId string) error
	// idempotent
	RemoveMedia(ctx context.Context, momentId string, mediaId string) error
	// media ids in insertion order
	MediaIds(ctx context.Context, momentId string) ([]string, error)
	// empty when the moment has no recorded owner
	Owner(ctx context.Context, momentId string) (string, error)
	Allow(ctx context.Context, momentId string, username string) error
	// the owner is always allowed. a moment with no allow list is open.
	Allowed(ctx context.Context, momentId string, username string) (bool, error)
	// usernames with recorded access. the owner first, the allow list
	// after it in sorted order.
	Members(ctx context.Context, momentId string) ([]string, error)
	// refreshes the last seen marker
	Touch(ctx context.Context, username string) error
	Online(ctx context.Context, username string) (bool, error)
	Close() error
}

type MomentStoreSettings struct {
	KeyPrefix string
	// freshness window for the last seen marker
	OnlineTimeout time.Duration
}

func DefaultMomentStoreSettings() *MomentStoreSettings {
	return &MomentStoreSettings{
		KeyPrefix:     "moments",
		OnlineTimeout: 60 * time.Second,
	}
}

// single process store for one node deployments and tests

type memoryMoment struct {
	owner    string
	mediaIds []string
	allowed  map[string]bool
}

type MemoryMomentStore struct {
	settings *MomentStoreSettings

	stateLock sync.Mutex
	// moment id -> state
	moments map[string]*memoryMoment
	// username -> last seen time
	seenTimes map[string]time.Time
}

func NewMemoryMomentStoreWithDefaults() *MemoryMomentStore {
	return NewMemoryMomentStore(DefaultMomentStoreSettings())
}

func NewMemoryMomentStore(settings *MomentStoreSettings) *MemoryMomentStore {
	return &MemoryMomentStore{
		settings:  settings,
		moments:   map[string]*memoryMoment{},
		seenTimes: map[string]time.Time{},
	}
}

// must be called with the state lock
func (self *MemoryMomentStore) moment(momentId string) *memoryMoment {
	moment, ok := self.moments[momentId]
	if !ok {
		moment = &memoryMoment{
			allowed: map[string]bool{},
		}
		self.moments[momentId] = moment
	}
	return moment
}

func (self *MemoryMomentStore) EnsureMoment(ctx context.Context, momentId string, owner string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment := self.moment(momentId)
	if moment.owner == "" {
		moment.owner = owner
	}
	return nil
}

func (self *MemoryMomentStore) AddMedia(ctx context.Context, momentId string, mediaId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment := self.moment(momentId)
	if !slices.Contains(moment.mediaIds, mediaId) {
		moment.mediaIds = append(moment.mediaIds, mediaId)
	}
	return nil
}

func (self *MemoryMomentStore) RemoveMedia(ctx context.Context, momentId string, mediaId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment, ok := self.moments[momentId]
	if !ok {
		return nil
	}
	moment.mediaIds = slices.DeleteFunc(moment.mediaIds, func(existingMediaId string) bool {
		return existingMediaId == mediaId
	})
	return nil
}

func (self *MemoryMomentStore) MediaIds(ctx context.Context, momentId string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment, ok := self.moments[momentId]
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(moment.mediaIds), nil
}

func (self *MemoryMomentStore) Owner(ctx context.Context, momentId string) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment, ok := self.moments[momentId]
	if !ok {
		return "", nil
	}
	return moment.owner, nil
}

func (self *MemoryMomentStore) Allow(ctx context.Context, momentId string, username string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment := self.moment(momentId)
	moment.allowed[username] = true
	return nil
}

func (self *MemoryMomentStore) Allowed(ctx context.Context, momentId string, username string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment, ok := self.moments[momentId]
	if !ok {
		return true, nil
	}
	if moment.owner == username {
		return true, nil
	}
	if len(moment.allowed) == 0 {
		return true, nil
	}
	return moment.allowed[username], nil
}

func (self *MemoryMomentStore) Members(ctx context.Context, momentId string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	moment, ok := self.moments[momentId]
	if !ok {
		return []string{}, nil
	}
	members := []string{}
	if moment.owner != "" {
		members = append(members, moment.owner)
	}
	allowed := maps.Keys(moment.allowed)
	slices.Sort(allowed)
	for _, username := range allowed {
		if username != moment.owner {
			members = append(members, username)
		}
	}
	return members, nil
}

func (self *MemoryMomentStore) Touch(ctx context.Context, username string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.seenTimes[username] = time.Now()
	return nil
}

func (self *MemoryMomentStore) Online(ctx context.Context, username string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	seenTime, ok := self.seenTimes[username]
	if !ok {
		return false, nil
	}
	return time.Now().Sub(seenTime) < self.settings.OnlineTimeout, nil
}

func (self *MemoryMomentStore) Close() error {
	return nil
}

// store over redis so that every node sees the same moment state.
// the last seen marker is a ttl key, alive means the key exists.

type RedisMomentStore struct {
	client   *redis.Client
	settings *MomentStoreSettings
}

func NewRedisMomentStoreWithDefaults(redisOpts *redis.Options) *RedisMomentStore {
	return NewRedisMomentStore(redisOpts, DefaultMomentStoreSettings())
}

func NewRedisMomentStore(redisOpts *redis.Options, settings *MomentStoreSettings) *RedisMomentStore {
	return &RedisMomentStore{
		client:   redis.NewClient(redisOpts),
		settings: settings,
	}
}

func (self *RedisMomentStore) mediaKey(momentId string) string {
	return fmt.Sprintf("%s:media:%s", self.settings.KeyPrefix, momentId)
}

func (self *RedisMomentStore) ownerKey(momentId string) string {
	return fmt.Sprintf("%s:owner:%s", self.settings.KeyPrefix, momentId)
}

func (self *RedisMomentStore) allowedKey(momentId string) string {
	return fmt.Sprintf("%s:allowed:%s", self.settings.KeyPrefix, momentId)
}

func (self *RedisMomentStore) seenKey(username string) string {
	return fmt.Sprintf("%s:seen:%s", self.settings.KeyPrefix, username)
}

func (self *RedisMomentStore) EnsureMoment(ctx context.Context, momentId string, owner string) error {
	if err := self.client.SetNX(ctx, self.ownerKey(momentId), owner, 0).Err(); err != nil {
		return fmt.Errorf("ensure moment: %w", err)
	}
	return nil
}

func (self *RedisMomentStore) AddMedia(ctx context.Context, momentId string, mediaId string) error {
	_, err := self.client.LPos(ctx, self.mediaKey(momentId), mediaId, redis.LPosArgs{}).Result()
	if err == nil {
		// already present, keep the original position
		return nil
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("add media: %w", err)
	}
	if err := self.client.RPush(ctx, self.mediaKey(momentId), mediaId).Err(); err != nil {
		return fmt.Errorf("add media: %w", err)
	}
	return nil
}

func (self *RedisMomentStore) RemoveMedia(ctx context.Context, momentId string, mediaId string) error {
	if err := self.client.LRem(ctx, self.mediaKey(momentId), 0, mediaId).Err(); err != nil {
		return fmt.Errorf("remove media: %w", err)
	}
	return nil
}

func (self *RedisMomentStore) MediaIds(ctx context.Context, momentId string) ([]string, error) {
	mediaIds, err := self.client.LRange(ctx, self.mediaKey(momentId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("media ids: %w", err)
	}
	return mediaIds, nil
}

func (self *RedisMomentStore) Owner(ctx context.Context, momentId string) (string, error) {
	owner, err := self.client.Get(ctx, self.ownerKey(momentId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("owner: %w", err)
	}
	return owner, nil
}

func (self *RedisMomentStore) Allow(ctx context.Context, momentId string, username string) error {
	if err := self.client.SAdd(ctx, self.allowedKey(momentId), username).Err(); err != nil {
		return fmt.Errorf("allow: %w", err)
	}
	return nil
}

func (self *RedisMomentStore) Allowed(ctx context.Context, momentId string, username string) (bool, error) {
	owner, err := self.Owner(ctx, momentId)
	if err != nil {
		return false, err
	}
	if owner == username {
		return true, nil
	}
	allowedCount, err := self.client.SCard(ctx, self.allowedKey(momentId)).Result()
	if err != nil {
		return false, fmt.Errorf("allowed: %w", err)
	}
	if allowedCount == 0 {
		return true, nil
	}
	allowed, err := self.client.SIsMember(ctx, self.allowedKey(momentId), username).Result()
	if err != nil {
		return false, fmt.Errorf("allowed: %w", err)
	}
	return allowed, nil
}

func (self *RedisMomentStore) Members(ctx context.Context, momentId string) ([]string, error) {
	owner, err := self.Owner(ctx, momentId)
	if err != nil {
		return nil, err
	}
	allowed, err := self.client.SMembers(ctx, self.allowedKey(momentId)).Result()
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	members := []string{}
	if owner != "" {
		members = append(members, owner)
	}
	slices.Sort(allowed)
	for _, username := range allowed {
		if username != owner {
			members = append(members, username)
		}
	}
	return members, nil
}

func (self *RedisMomentStore) Touch(ctx context.Context, username string) error {
	if err := self.client.Set(ctx, self.seenKey(username), "1", self.settings.OnlineTimeout).Err(); err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

func (self *RedisMomentStore) Online(ctx context.Context, username string) (bool, error) {
	existsCount, err := self.client.Exists(ctx, self.seenKey(username)).Result()
	if err != nil {
		return false, fmt.Errorf("online: %w", err)
	}
	return 0 < existsCount, nil
}

func (self *RedisMomentStore) Close() error {
	return self.client.Close()
}
