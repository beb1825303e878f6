package moments

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestTypingTracker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	typingTracker := NewTypingTrackerWithDefaults(ctx)
	defer typingTracker.Close()

	assert.Equal(t, typingTracker.Typing(), []string{})

	typingTracker.Update("bob", true)
	typingTracker.Update("alice", true)
	assert.Equal(t, typingTracker.Typing(), []string{"alice", "bob"})

	// a repeated start refreshes, never duplicates
	typingTracker.Update("alice", true)
	assert.Equal(t, typingTracker.Typing(), []string{"alice", "bob"})

	// a stop event removes immediately
	typingTracker.Update("bob", false)
	assert.Equal(t, typingTracker.Typing(), []string{"alice"})

	// a stop for an identity not in the set is a no-op
	typingTracker.Update("carol", false)
	assert.Equal(t, typingTracker.Typing(), []string{"alice"})
}

func TestTypingFreshness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := &TypingTrackerSettings{
		FreshnessTimeout: 100 * time.Millisecond,
		SweepTimeout:     20 * time.Millisecond,
	}
	typingTracker := NewTypingTracker(ctx, settings)
	defer typingTracker.Close()

	typingChanges := make(chan []string, 8)
	remove := typingTracker.AddTypingChangeCallback(func(typing []string) {
		typingChanges <- typing
	})
	defer remove()

	// the stop event never arrives, from a device that dropped mid-typing.
	// the freshness window ends the state on its own.
	typingTracker.Update("alice", true)
	assert.Equal(t, typingTracker.Typing(), []string{"alice"})

	select {
	case typing := <-typingChanges:
		assert.Equal(t, typing, []string{"alice"})
	case <-time.After(1 * time.Second):
		t.Fatal("missing typing start")
	}

	select {
	case typing := <-typingChanges:
		assert.Equal(t, typing, []string{})
	case <-time.After(1 * time.Second):
		t.Fatal("missing typing expiry")
	}
	assert.Equal(t, typingTracker.Typing(), []string{})
}
