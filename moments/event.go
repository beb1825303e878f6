package moments

import (
	"context"
	"os"
	"os/signal"
)

// cancelable context for process lifetime, with optional cancel on signals

type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

// cancels the event when any of the signals arrives
func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}

func (self *Event) Cancel() {
	self.cancel()
}
