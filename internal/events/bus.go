// Package events carries typed sync notifications between the syncer
// and anything that needs to refresh reconciled state, replacing the
// platform notification center the mobile clients lean on.
package events

import (
	"sync"
	"time"
)

// SyncEvent announces that pending work for one entity was flushed and
// durably acknowledged upstream. The only obligation on receipt is to
// re-run a reconciled load for that entity.
type SyncEvent struct {
	EntityType string
	EntityID   string
	At         time.Time
}

// Bus is an in-process publish/subscribe channel for sync events.
// Publishing never blocks: a subscriber that falls behind misses
// events rather than stalling the syncer.
type Bus struct {
	mu     sync.Mutex
	subs   []chan SyncEvent
	closed bool
}

const subscriberBuffer = 16

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of future sync events.
func (b *Bus) Subscribe() <-chan SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan SyncEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber that has buffer room.
func (b *Bus) Publish(ev SyncEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
