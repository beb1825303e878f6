package moments

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReconcileInOrder(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	a := reconciler.BeginLocalMutation()
	b := reconciler.BeginLocalMutation()
	assert.Equal(t, a.State, ItemStatePending)
	assert.Equal(t, a.Local, true)
	assert.Equal(t, reconciler.PendingCount(), 2)

	// confirmations in submission order land on the right placeholders
	aConfirmed := reconciler.Confirm("media-a", "")
	assert.Equal(t, aConfirmed.LocalId, a.LocalId)
	assert.Equal(t, aConfirmed.State, ItemStateConfirmed)
	assert.Equal(t, aConfirmed.MediaId, "media-a")
	assert.Equal(t, aConfirmed.Local, true)

	bConfirmed := reconciler.Confirm("media-b", "")
	assert.Equal(t, bConfirmed.LocalId, b.LocalId)
	assert.Equal(t, bConfirmed.MediaId, "media-b")

	items := reconciler.Items()
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].MediaId, "media-a")
	assert.Equal(t, items[1].MediaId, "media-b")
	assert.Equal(t, reconciler.PendingCount(), 0)
}

func TestReconcileRemoteConfirm(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	// a confirmation with nothing pending is another member's mutation
	item := reconciler.Confirm("media-r", "")
	assert.Equal(t, item.State, ItemStateConfirmed)
	assert.Equal(t, item.Local, false)
	assert.Equal(t, item.MediaId, "media-r")

	items := reconciler.Items()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, reconciler.ContainsMediaId("media-r"), true)
}

// the fan-out carries no correlation by default, so consumption is
// positional. when two local uploads overlap and their confirmations arrive
// reordered, the oldest placeholder takes the identifier that comes back
// first. both items still converge to confirmed with valid identifiers,
// just mislabeled relative to upload order.
func TestReconcileReorderedConfirm(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	a := reconciler.BeginLocalMutation()
	b := reconciler.BeginLocalMutation()

	// b's upload finished first
	first := reconciler.Confirm("media-b", "")
	assert.Equal(t, first.LocalId, a.LocalId)
	assert.Equal(t, first.MediaId, "media-b")

	second := reconciler.Confirm("media-a", "")
	assert.Equal(t, second.LocalId, b.LocalId)
	assert.Equal(t, second.MediaId, "media-a")

	assert.Equal(t, reconciler.PendingCount(), 0)
	assert.Equal(t, len(reconciler.Items()), 2)
}

func TestReconcileTagConfirm(t *testing.T) {
	reconciler := NewReconciler(&ReconcilerSettings{
		TagConfirmations: true,
	})

	a := reconciler.BeginLocalMutation()
	b := reconciler.BeginLocalMutation()
	assert.NotEqual(t, a.Tag, "")
	assert.NotEqual(t, b.Tag, "")
	assert.NotEqual(t, a.Tag, b.Tag)

	// reordered confirmations land on the right placeholders
	first := reconciler.Confirm("media-b", b.Tag)
	assert.Equal(t, first.LocalId, b.LocalId)
	assert.Equal(t, first.MediaId, "media-b")

	second := reconciler.Confirm("media-a", a.Tag)
	assert.Equal(t, second.LocalId, a.LocalId)
	assert.Equal(t, second.MediaId, "media-a")

	assert.Equal(t, reconciler.PendingCount(), 0)
}

func TestReconcileTagUnknownIsRemote(t *testing.T) {
	reconciler := NewReconciler(&ReconcilerSettings{
		TagConfirmations: true,
	})

	a := reconciler.BeginLocalMutation()

	// another member's confirmation carries their tag and never consumes
	// this client's placeholder
	item := reconciler.Confirm("media-r", "another-members-tag")
	assert.NotEqual(t, item.LocalId, a.LocalId)
	assert.Equal(t, item.Local, false)
	assert.Equal(t, reconciler.PendingCount(), 1)

	// no tag at all is also a remote item
	item = reconciler.Confirm("media-r2", "")
	assert.Equal(t, item.Local, false)
	assert.Equal(t, reconciler.PendingCount(), 1)

	confirmed := reconciler.Confirm("media-a", a.Tag)
	assert.Equal(t, confirmed.LocalId, a.LocalId)
	assert.Equal(t, reconciler.PendingCount(), 0)
}

func TestReconcileRemove(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	reconciler.Confirm("media-a", "")
	reconciler.Confirm("media-b", "")

	assert.Equal(t, reconciler.Remove("media-a"), true)
	assert.Equal(t, reconciler.ContainsMediaId("media-a"), false)

	// the same delete fans out to every member of every device,
	// removing twice converges instead of erroring
	assert.Equal(t, reconciler.Remove("media-a"), false)
	assert.Equal(t, reconciler.Remove("media-unknown"), false)

	items := reconciler.Items()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].MediaId, "media-b")
}

func TestReconcileEvict(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	a := reconciler.BeginLocalMutation()
	assert.Equal(t, reconciler.Evict(a.LocalId), true)
	assert.Equal(t, reconciler.PendingCount(), 0)
	assert.Equal(t, len(reconciler.Items()), 0)
	assert.Equal(t, reconciler.Evict(a.LocalId), false)

	// only pending placeholders can be evicted
	confirmed := reconciler.Confirm("media-a", "")
	assert.Equal(t, reconciler.Evict(confirmed.LocalId), false)
	assert.Equal(t, len(reconciler.Items()), 1)
}

func TestReconcileSnapshot(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	// the snapshot and a confirm fan-out can race around a reconnect.
	// whichever lands second must not duplicate the item.
	reconciler.Confirm("media-a", "")
	reconciler.ApplySnapshot([]string{"media-a", "media-b"})

	items := reconciler.Items()
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].MediaId, "media-a")
	assert.Equal(t, items[1].MediaId, "media-b")

	again := reconciler.Confirm("media-b", "")
	assert.Equal(t, again.MediaId, "media-b")
	assert.Equal(t, len(reconciler.Items()), 2)

	// identifiers absent from the snapshot are removed,
	// pending placeholders are untouched
	pending := reconciler.BeginLocalMutation()
	reconciler.ApplySnapshot([]string{"media-b"})

	items = reconciler.Items()
	assert.Equal(t, len(items), 2)
	assert.Equal(t, items[0].MediaId, "media-b")
	assert.Equal(t, items[1].LocalId, pending.LocalId)
	assert.Equal(t, items[1].State, ItemStatePending)
	assert.Equal(t, reconciler.PendingCount(), 1)
}

func TestReconcileItemChange(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	type itemEvent struct {
		change ItemChange
		item   MediaItem
	}
	events := []itemEvent{}
	remove := reconciler.AddItemChangeCallback(func(change ItemChange, item MediaItem) {
		events = append(events, itemEvent{
			change: change,
			item:   item,
		})
	})
	defer remove()

	a := reconciler.BeginLocalMutation()
	reconciler.Confirm("media-a", "")
	reconciler.Confirm("media-r", "")
	reconciler.Remove("media-r")
	b := reconciler.BeginLocalMutation()
	reconciler.Evict(b.LocalId)

	// a confirm for an identifier already in the view changes nothing
	reconciler.Confirm("media-a", "")

	assert.Equal(t, len(events), 6)
	assert.Equal(t, events[0].change, ItemChangeAdd)
	assert.Equal(t, events[0].item.LocalId, a.LocalId)
	assert.Equal(t, events[1].change, ItemChangeConfirm)
	assert.Equal(t, events[1].item.MediaId, "media-a")
	assert.Equal(t, events[2].change, ItemChangeAdd)
	assert.Equal(t, events[2].item.MediaId, "media-r")
	assert.Equal(t, events[3].change, ItemChangeRemove)
	assert.Equal(t, events[3].item.MediaId, "media-r")
	assert.Equal(t, events[4].change, ItemChangeAdd)
	assert.Equal(t, events[4].item.LocalId, b.LocalId)
	assert.Equal(t, events[5].change, ItemChangeEvict)
	assert.Equal(t, events[5].item.LocalId, b.LocalId)
}
