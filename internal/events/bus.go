// Package events fans engine notifications out to subscribers.
package events

import (
	"sync"

	"torrentresume/internal/domain"
	"torrentresume/internal/metrics"
)

const defaultBuffer = 64

// Subscription receives the events it was registered for on C. C is closed
// after Unsubscribe or Bus.Close.
type Subscription struct {
	C <-chan domain.Event

	ch    chan domain.Event
	kinds map[domain.EventKind]bool
	done  chan struct{}
	once  sync.Once
	bus   *Bus
}

func (s *Subscription) wants(kind domain.EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Unsubscribe stops delivery and releases any publisher blocked on this
// subscription.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus is an in-process publish/subscribe channel for domain events.
//
// Heartbeats are best-effort and dropped when a subscriber is behind. Every
// other kind is delivered with a blocking send: losing a save completion would
// leave the receiver's in-flight accounting permanently unbalanced.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	done   chan struct{}
	once   sync.Once
}

func New() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a subscriber for kinds; no kinds means all of them.
func (b *Bus) Subscribe(buffer int, kinds ...domain.EventKind) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		bus:  b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.done) })
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev domain.Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()
	droppable := kind == domain.EventHeartbeat

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		if droppable {
			select {
			case sub.ch <- ev:
			default:
				metrics.EventsDroppedTotal.WithLabelValues(kind.String()).Inc()
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-b.done:
			return
		}
	}
	metrics.EventsPublishedTotal.WithLabelValues(kind.String()).Inc()
}

// Close unblocks pending publishers and closes every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	// Wake blocked publishers before taking the write lock they hold a read
	// lock against.
	b.once.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *Subscription) {
	sub.once.Do(func() { close(sub.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
