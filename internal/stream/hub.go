// Package stream fans committed audit events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"hisadmin.org/internal/audit"
)

const subscriberBuffer = 32

// Hub broadcasts events to every subscriber. Slow subscribers miss events
// rather than block the relay.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

type subscriber struct {
	ch     chan audit.Event
	filter audit.Filter
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber receiving events that match filter. The
// channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter audit.Filter) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish implements audit.Sink.
func (h *Hub) Publish(_ context.Context, ev audit.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
