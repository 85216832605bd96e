// Package bus implements the in-process publish/subscribe hub that
// decouples the pipeline stages from their observers. The bus carries
// notifications only; the state manager remains the durable source of
// truth, so events missed by a late subscriber are not replayed.
package bus

import (
	"fmt"
	"sync"
)

// Handler consumes a published event. Handlers run synchronously on the
// publishing goroutine; long-running work should be marshalled off by the
// subscriber.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	eventType EventType
	id        int
}

type subscriber struct {
	id      int
	handler Handler
}

// Bus routes events to subscribers by event type. Delivery is in
// subscription order per publish call; ordering across publishes from
// different goroutines is whatever the callers' interleaving produces.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType][]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType][]subscriber)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[t] = append(b.subs[t], subscriber{id: b.nextID, handler: h})
	return Subscription{eventType: t, id: b.nextID}
}

// SubscribeAll registers a handler for every known event type and returns
// the subscriptions so the caller can detach later.
func (b *Bus) SubscribeAll(h Handler) []Subscription {
	types := []EventType{
		EventScanStarted, EventScanCompleted,
		EventFileAdded, EventFileChanged, EventFileRemoved,
		EventAnalysisDone,
		EventUploadStarted, EventUploadProgress, EventUploadDone, EventUploadFinished,
		EventError,
	}
	subs := make([]Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, b.Subscribe(t, h))
	}
	return subs
}

// Unsubscribe removes a previously registered handler. Unknown
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all current subscribers of its type, in
// subscription order, on the calling goroutine. A panicking handler does
// not prevent delivery to the remaining subscribers; the panic is reported
// as an Error event instead of propagating.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[ev.Type]))
	copy(list, b.subs[ev.Type])
	b.mu.RUnlock()

	for _, s := range list {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[Bus] Handler panic on %s: %v\n", ev.Type, r)
			// Re-publishing an Error for a failing Error handler would
			// loop forever.
			if ev.Type != EventError {
				b.Publish(NewEvent(EventError, ErrorPayload{
					Context: "bus",
					Message: fmt.Sprintf("handler panic on %s: %v", ev.Type, r),
				}))
			}
		}
	}()
	s.handler(ev)
}
