// SPDX-License-Identifier: MIT

// Package bus implements the capture pipeline's Event Bus: the default,
// concrete implementation of the external event-sink collaborator.
// Each channel supervisor publishes its lifecycle events (attach,
// recover, silence, broken, ...) here; the bus fans them out, in
// publish order, to every subscriber.
//
// Reference: grounded on the internal/health package's
// ServiceInfo snapshot-broadcast pattern, generalized from a single
// polled snapshot to a channel-based pub/sub fan-out, since events
// need total ordering across all channels and subscribers must not
// block publishers.
package bus

import (
	"context"
	"sync"
	"time"
)

// Event is one lifecycle event published onto the bus.
type Event struct {
	Channel   string
	Kind      string // "attach", "recover", "silence", "broken", "detach"
	Reason    string
	Timestamp time.Time
	Meta      map[string]any
}

// Bus fans out events, in publish order, to every subscriber. A slow
// or stalled subscriber never blocks Publish nor other subscribers:
// each subscriber has its own bounded queue, and events are dropped
// for that subscriber (never for others) if its queue is full.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	queueDepth  int
}

type subscriber struct {
	ch     chan Event
	cancel func()
}

// New constructs a Bus. queueDepth bounds each subscriber's buffer; a
// subscriber that falls behind by more than queueDepth events misses
// the newly published ones (its already-queued events are kept) rather
// than stalling publication.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		queueDepth:  queueDepth,
	}
}

// Subscribe registers a new subscriber and returns a receive channel
// plus an unsubscribe function. The channel is closed once
// unsubscribe is called or ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ch: make(chan Event, b.queueDepth), cancel: cancel}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		cancel()
		b.mu.Lock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe
}

// Publish delivers evt to every current subscriber. Publishers never
// block: a full subscriber queue drops the event for that subscriber
// only, preserving ordering for everyone else.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			// Subscriber too slow; drop for this subscriber only.
		}
	}
}

// SubscriberCount reports the number of currently active subscribers,
// used by health reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
