package events

import (
	"context"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SubscriberFunc reacts to a published event. A returned error is logged,
// it never reaches the publisher.
type SubscriberFunc func(ctx context.Context, e Event) error

type subscription struct {
	name  string
	types map[EventType]bool
	fn    SubscriberFunc
}

// Bus is an in-process publish/subscribe hub for core state changes.
// Subscribers run synchronously on the publishing goroutine, in subscription
// order.
type Bus struct {
	mutex  sync.RWMutex
	nextID int
	subs   map[int]subscription
	order  []int
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]subscription),
	}
}

// Subscribe registers fn for the given event types, or for all types when
// none are given. The returned func removes the subscription.
func (b *Bus) Subscribe(name string, fn SubscriberFunc, types ...EventType) (unsubscribe func()) {
	sub := subscription{name: name, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mutex.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.order = append(b.order, id)
	b.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.subs, id)
			for i, subID := range b.order {
				if subID == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mutex.RLock()
	targets := make([]subscription, 0, len(b.order))
	for _, id := range b.order {
		sub := b.subs[id]
		if sub.types == nil || sub.types[e.Type] {
			targets = append(targets, sub)
		}
	}
	b.mutex.RUnlock()

	for _, sub := range targets {
		b.dispatch(ctx, sub, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("events: panic in subscriber %s for %s: %v\n%s", sub.name, e.Type, r, debug.Stack())
		}
	}()
	if err := sub.fn(ctx, e); err != nil {
		log.Errorf("events: subscriber %s failed to handle %s [%s]: %s", sub.name, e.Type, e.ID, err)
	}
}
