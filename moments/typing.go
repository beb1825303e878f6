package moments

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ephemeral per-moment set of identities that are typing right now.
// the set is derived purely from relayed typing events and a freshness
// window. an identity that stops sending start events falls out of the set
// after the window even when its stop event never arrives. nothing here is
// persisted.

type TypingChangeFunction func(typing []string)

type TypingTrackerSettings struct {
	// how long a start event keeps an identity in the set
	FreshnessTimeout time.Duration
	// how often the set is swept for expired identities
	SweepTimeout time.Duration
}

func DefaultTypingTrackerSettings() *TypingTrackerSettings {
	return &TypingTrackerSettings{
		FreshnessTimeout: 4 * time.Second,
		SweepTimeout:     1 * time.Second,
	}
}

type TypingTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *TypingTrackerSettings

	stateLock sync.Mutex
	// identity -> time of the latest start event
	activeTimes map[string]time.Time

	typingChangeCallbacks *callbackList[TypingChangeFunction]
}

func NewTypingTrackerWithDefaults(ctx context.Context) *TypingTracker {
	return NewTypingTracker(ctx, DefaultTypingTrackerSettings())
}

func NewTypingTracker(ctx context.Context, settings *TypingTrackerSettings) *TypingTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	typingTracker := &TypingTracker{
		ctx:                   cancelCtx,
		cancel:                cancel,
		settings:              settings,
		activeTimes:           map[string]time.Time{},
		typingChangeCallbacks: newCallbackList[TypingChangeFunction](),
	}
	go typingTracker.run()
	return typingTracker
}

func (self *TypingTracker) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.SweepTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			changed := func() bool {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				return self.expire()
			}()
			if changed {
				self.typingChanged()
			}
		}
	}
}

// must be called with the state lock
func (self *TypingTracker) expire() bool {
	minTime := time.Now().Add(-self.settings.FreshnessTimeout)
	changed := false
	for identity, activeTime := range self.activeTimes {
		if activeTime.Before(minTime) {
			delete(self.activeTimes, identity)
			changed = true
		}
	}
	return changed
}

// applies one relayed typing event
func (self *TypingTracker) Update(identity string, isTyping bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if isTyping {
			_, active := self.activeTimes[identity]
			self.activeTimes[identity] = time.Now()
			return !active
		}
		if _, active := self.activeTimes[identity]; active {
			delete(self.activeTimes, identity)
			return true
		}
		return false
	}()
	if changed {
		self.typingChanged()
	}
}

// identities typing inside the freshness window, sorted
func (self *TypingTracker) Typing() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.expire()
	typing := make([]string, 0, len(self.activeTimes))
	for identity := range self.activeTimes {
		typing = append(typing, identity)
	}
	slices.Sort(typing)
	return typing
}

func (self *TypingTracker) AddTypingChangeCallback(typingChangeCallback TypingChangeFunction) func() {
	return self.typingChangeCallbacks.add(typingChangeCallback)
}

func (self *TypingTracker) typingChanged() {
	typing := self.Typing()
	for _, typingChangeCallback := range self.typingChangeCallbacks.get() {
		HandleError(func() {
			typingChangeCallback(typing)
		})
	}
}

func (self *TypingTracker) Close() {
	self.cancel()
}
