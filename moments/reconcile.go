package moments

import (
	"fmt"
	"sync"
	"time"
)

// client side optimistic view of a single moment.
//
// a local mutation renders immediately as a pending placeholder and joins a
// strict fifo queue. the matching server confirmation consumes the oldest
// placeholder and promotes it to the canonical server identifier. the protocol
// carries no correlation between a specific upload and a specific
// confirmation, so consumption is positional. when two local mutations
// overlap and their confirmations arrive reordered, the oldest placeholder
// takes the wrong identifier. `ReconcilerSettings.TagConfirmations` switches
// to tag matched consumption, which changes the fan-out payload and must be
// enabled on all clients of a moment together.

type ItemState string

const (
	ItemStatePending   ItemState = "pending"
	ItemStateConfirmed ItemState = "confirmed"
)

type ItemChange string

const (
	ItemChangeAdd     ItemChange = "add"
	ItemChangeConfirm ItemChange = "confirm"
	ItemChangeRemove  ItemChange = "remove"
	ItemChangeEvict   ItemChange = "evict"
)

type ItemChangeFunction func(change ItemChange, item MediaItem)

// one entry of the view. `LocalId` is the stable handle for the item on this
// client. it increases monotonically per reconciler and is never reused, and
// it is never looked up again once `MediaId` is set.
type MediaItem struct {
	LocalId uint64
	State   ItemState
	// canonical server identifier. empty until confirmed.
	MediaId string
	// correlation tag carried on the confirmation round trip. empty unless
	// the item is local and `TagConfirmations` is enabled.
	Tag string
	// true when the mutation originated on this client
	Local       bool
	CreateTime  time.Time
	ConfirmTime time.Time
}

type ReconcilerSettings struct {
	// when enabled, local mutations carry a generated tag that the server
	// echoes on the confirmation, and consumption matches the tag instead of
	// taking the oldest placeholder. a confirmation with no tag or an
	// unknown tag is then always a remote item.
	TagConfirmations bool
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		TagConfirmations: false,
	}
}

type Reconciler struct {
	settings *ReconcilerSettings

	stateLock sync.Mutex

	nextLocalId uint64
	// render order: pending and confirmed items interleaved
	orderedItems []*MediaItem
	// pending placeholders in submission order
	pendingItems []*MediaItem
	// media id -> confirmed item
	mediaIdItems map[string]*MediaItem
	// tag -> pending item
	tagItems map[string]*MediaItem

	itemChangeCallbacks *callbackList[ItemChangeFunction]
}

func NewReconcilerWithDefaults() *Reconciler {
	return NewReconciler(DefaultReconcilerSettings())
}

func NewReconciler(settings *ReconcilerSettings) *Reconciler {
	return &Reconciler{
		settings:            settings,
		orderedItems:        []*MediaItem{},
		pendingItems:        []*MediaItem{},
		mediaIdItems:        map[string]*MediaItem{},
		tagItems:            map[string]*MediaItem{},
		itemChangeCallbacks: newCallbackList[ItemChangeFunction](),
	}
}

// the callback fires after the state change is committed,
// outside the state lock
func (self *Reconciler) AddItemChangeCallback(itemChangeCallback ItemChangeFunction) func() {
	return self.itemChangeCallbacks.add(itemChangeCallback)
}

func (self *Reconciler) itemChanged(change ItemChange, item *MediaItem) {
	for _, itemChangeCallback := range self.itemChangeCallbacks.get() {
		HandleError(func() {
			itemChangeCallback(change, *item)
		})
	}
}

// creates a pending placeholder for a mutation that this client just started.
// the caller renders it immediately, then either the matching confirmation
// consumes it or the caller evicts it when the upload fails.
func (self *Reconciler) BeginLocalMutation() MediaItem {
	var item *MediaItem
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item = &MediaItem{
			LocalId:    self.nextLocalId,
			State:      ItemStatePending,
			Local:      true,
			CreateTime: time.Now(),
		}
		self.nextLocalId += 1
		if self.settings.TagConfirmations {
			item.Tag = NewId().String()
			self.tagItems[item.Tag] = item
		}
		self.orderedItems = append(self.orderedItems, item)
		self.pendingItems = append(self.pendingItems, item)
	}()
	self.itemChanged(ItemChangeAdd, item)
	return *item
}

// merges one confirmation fan-out into the view.
// a confirmation while placeholders are pending consumes a placeholder.
// a confirmation with nothing pending is a new remote item.
// a confirmation for an identifier already in the view changes nothing,
// which keeps a snapshot that raced a fan-out from duplicating the item.
func (self *Reconciler) Confirm(mediaId string, tag string) MediaItem {
	var item *MediaItem
	var change ItemChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if existingItem, ok := self.mediaIdItems[mediaId]; ok {
			item = existingItem
			change = ""
			return
		}

		var pendingItem *MediaItem
		if self.settings.TagConfirmations {
			if tag != "" {
				pendingItem = self.tagItems[tag]
			}
		} else if 0 < len(self.pendingItems) {
			pendingItem = self.pendingItems[0]
		}

		if pendingItem != nil {
			self.removePending(pendingItem)
			pendingItem.State = ItemStateConfirmed
			pendingItem.MediaId = mediaId
			pendingItem.ConfirmTime = time.Now()
			self.mediaIdItems[mediaId] = pendingItem
			item = pendingItem
			change = ItemChangeConfirm
		} else {
			item = &MediaItem{
				LocalId:     self.nextLocalId,
				State:       ItemStateConfirmed,
				MediaId:     mediaId,
				CreateTime:  time.Now(),
				ConfirmTime: time.Now(),
			}
			self.nextLocalId += 1
			self.orderedItems = append(self.orderedItems, item)
			self.mediaIdItems[mediaId] = item
			change = ItemChangeAdd
		}
	}()
	if change != "" {
		self.itemChanged(change, item)
	}
	return *item
}

// removes the confirmed item with the canonical identifier, regardless of
// which client created it. a no-op when the identifier is not in the view.
func (self *Reconciler) Remove(mediaId string) bool {
	var item *MediaItem
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		existingItem, ok := self.mediaIdItems[mediaId]
		if !ok {
			return
		}
		delete(self.mediaIdItems, mediaId)
		self.removeOrdered(existingItem)
		item = existingItem
	}()
	if item == nil {
		return false
	}
	self.itemChanged(ItemChangeRemove, item)
	return true
}

// drops an orphaned placeholder. there is no timeout on placeholders;
// the upload error path must call this.
func (self *Reconciler) Evict(localId uint64) bool {
	var item *MediaItem
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, pendingItem := range self.pendingItems {
			if pendingItem.LocalId == localId {
				item = pendingItem
				break
			}
		}
		if item == nil {
			return
		}
		self.removePending(item)
		self.removeOrdered(item)
	}()
	if item == nil {
		return false
	}
	self.itemChanged(ItemChangeEvict, item)
	return true
}

// replaces the confirmed part of the view with the authoritative identifier
// list from a state snapshot, typically after a reconnect. items already in
// the view stay in place and missing identifiers are appended in snapshot
// order. confirmed items absent from the snapshot are removed. pending
// placeholders are untouched.
func (self *Reconciler) ApplySnapshot(mediaIds []string) {
	type changedItem struct {
		change ItemChange
		item   *MediaItem
	}
	changedItems := []changedItem{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		snapshotMediaIds := map[string]bool{}
		for _, mediaId := range mediaIds {
			snapshotMediaIds[mediaId] = true
			if _, ok := self.mediaIdItems[mediaId]; ok {
				continue
			}
			item := &MediaItem{
				LocalId:     self.nextLocalId,
				State:       ItemStateConfirmed,
				MediaId:     mediaId,
				CreateTime:  time.Now(),
				ConfirmTime: time.Now(),
			}
			self.nextLocalId += 1
			self.orderedItems = append(self.orderedItems, item)
			self.mediaIdItems[mediaId] = item
			changedItems = append(changedItems, changedItem{
				change: ItemChangeAdd,
				item:   item,
			})
		}

		for mediaId, item := range self.mediaIdItems {
			if !snapshotMediaIds[mediaId] {
				delete(self.mediaIdItems, mediaId)
				self.removeOrdered(item)
				changedItems = append(changedItems, changedItem{
					change: ItemChangeRemove,
					item:   item,
				})
			}
		}
	}()
	for _, changedItem := range changedItems {
		self.itemChanged(changedItem.change, changedItem.item)
	}
}

// must be called with the state lock
func (self *Reconciler) removePending(item *MediaItem) {
	for i, pendingItem := range self.pendingItems {
		if pendingItem == item {
			self.pendingItems = append(
				self.pendingItems[:i],
				self.pendingItems[i+1:]...,
			)
			break
		}
	}
	if item.Tag != "" {
		delete(self.tagItems, item.Tag)
	}
}

// must be called with the state lock
func (self *Reconciler) removeOrdered(item *MediaItem) {
	for i, orderedItem := range self.orderedItems {
		if orderedItem == item {
			self.orderedItems = append(
				self.orderedItems[:i],
				self.orderedItems[i+1:]...,
			)
			break
		}
	}
}

// view snapshot in render order
func (self *Reconciler) Items() []MediaItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]MediaItem, 0, len(self.orderedItems))
	for _, item := range self.orderedItems {
		items = append(items, *item)
	}
	return items
}

func (self *Reconciler) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pendingItems)
}

func (self *Reconciler) ContainsMediaId(mediaId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.mediaIdItems[mediaId]
	return ok
}

func (self MediaItem) String() string {
	if self.State == ItemStatePending {
		return fmt.Sprintf("item[%d pending]", self.LocalId)
	}
	return fmt.Sprintf("item[%d %s]", self.LocalId, self.MediaId)
}
