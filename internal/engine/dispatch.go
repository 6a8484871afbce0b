package engine

import (
	"context"

	"go.uber.org/zap"
)

// Subscriber receives engine events in emission order. HandleEvent runs on
// the dispatcher goroutine and must not block for long.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }

// Dispatcher drains the engine's event channel and fans every event out to
// its subscribers, one event at a time.
type Dispatcher struct {
	events <-chan Event
	subs   []Subscriber
	log    *zap.Logger
}

func NewDispatcher(events <-chan Event, log *zap.Logger, subs ...Subscriber) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{events: events, subs: subs, log: log}
}

// Add registers a subscriber. It must be called before Run.
func (d *Dispatcher) Add(sub Subscriber) {
	d.subs = append(d.subs, sub)
}

// Run blocks until ctx is done or the event channel is closed
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			for _, sub := range d.subs {
				d.deliver(sub, ev)
			}
		}
	}
}

func (d *Dispatcher) deliver(sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("subscriber panicked",
				zap.Uint64("event_seq", ev.EventSeq()),
				zap.Any("panic", r),
			)
		}
	}()
	sub.HandleEvent(ev)
}
