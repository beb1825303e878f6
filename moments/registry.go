package moments

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// server side fan-out state. an arena of channel records indexed by moment id,
// each record owning its member set under its own lock. channels have no
// existence apart from membership: a record appears on first join and is
// garbage collected when the last member leaves. different channels never
// contend on a shared lock during broadcast.

type BroadcastPolicy string

const (
	// content mutations. every member including the sender receives the
	// fan-out, so all devices drive reconciliation through one code path.
	BroadcastAll BroadcastPolicy = "all"
	// ephemeral signaling. the sender already has local truth.
	BroadcastOthers BroadcastPolicy = "others"
)

// one attached connection. `Deliver` must not block;
// a member that cannot accept a message returns an error and is
// dropped from the channel like a disconnect.
type Member interface {
	LinkId() Id
	Deliver(message []byte) error
}

type channelRecord struct {
	lock sync.Mutex
	// link id -> member
	members map[Id]Member
	// set when the record is garbage collected out of the arena
	dead bool
}

type ChannelRegistry struct {
	stateLock sync.Mutex
	// channel id -> record
	channels map[string]*channelRecord
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: map[string]*channelRecord{},
	}
}

// idempotent. creates the channel implicitly.
func (self *ChannelRegistry) Join(channelId string, member Member) {
	for {
		self.stateLock.Lock()
		record, ok := self.channels[channelId]
		if !ok {
			record = &channelRecord{
				members: map[Id]Member{},
			}
			self.channels[channelId] = record
		}
		self.stateLock.Unlock()

		record.lock.Lock()
		if record.dead {
			// lost a race with garbage collection, take a fresh record
			record.lock.Unlock()
			continue
		}
		record.members[member.LinkId()] = member
		record.lock.Unlock()
		return
	}
}

// idempotent. the last leave garbage collects the channel.
func (self *ChannelRegistry) Leave(channelId string, linkId Id) {
	self.stateLock.Lock()
	record, ok := self.channels[channelId]
	if !ok {
		self.stateLock.Unlock()
		return
	}

	record.lock.Lock()
	delete(record.members, linkId)
	if len(record.members) == 0 {
		record.dead = true
		delete(self.channels, channelId)
	}
	record.lock.Unlock()
	self.stateLock.Unlock()
}

// best-effort fan-out to the current members under `policy`.
// delivery happens over a membership snapshot so that a slow member never
// holds the channel lock. members whose deliver fails are dropped from the
// channel silently. returns the number of successful deliveries.
func (self *ChannelRegistry) Broadcast(channelId string, senderLinkId Id, policy BroadcastPolicy, message []byte) int {
	self.stateLock.Lock()
	record, ok := self.channels[channelId]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}

	record.lock.Lock()
	members := make([]Member, 0, len(record.members))
	for _, member := range record.members {
		if policy == BroadcastOthers && member.LinkId() == senderLinkId {
			continue
		}
		members = append(members, member)
	}
	record.lock.Unlock()

	deliveredCount := 0
	for _, member := range members {
		if err := member.Deliver(message); err != nil {
			glog.Infof("[reg]drop %s from %s = %s\n", member.LinkId(), channelId, err)
			self.Leave(channelId, member.LinkId())
		} else {
			deliveredCount += 1
		}
	}
	return deliveredCount
}

func (self *ChannelRegistry) MemberCount(channelId string) int {
	self.stateLock.Lock()
	record, ok := self.channels[channelId]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}

	record.lock.Lock()
	defer record.lock.Unlock()
	return len(record.members)
}

func (self *ChannelRegistry) ChannelCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.channels)
}

func (self *ChannelRegistry) ChannelIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.channels)
}
