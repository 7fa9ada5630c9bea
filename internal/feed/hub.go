// Package feed implements the push half of the change feed: a fan-out hub
// delivering change events to subscribers over bounded channels.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// Subscriber is one listener on the hub. Its channel is closed when the
// subscriber is dropped or the hub shuts down; consumers that see the close
// must reconcile through the pull endpoint.
type Subscriber struct {
	id  string
	ch  chan mesh.ServiceChangeEvent
	hub *Hub
}

// Events returns the subscriber's event channel. Events arrive in increasing
// version order until the channel closes.
func (s *Subscriber) Events() <-chan mesh.ServiceChangeEvent {
	return s.ch
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub fans change events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full is dropped on the spot, because a stalled
// listener must not hold back the feed for everyone else.
type Hub struct {
	logger  *slog.Logger
	buffer  int
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

// NewHub creates a hub with the default per-subscriber buffer.
func NewHub(logger *slog.Logger) *Hub {
	return NewHubWithBuffer(logger, DefaultSubscriberBuffer)
}

// NewHubWithBuffer creates a hub with an explicit per-subscriber buffer size.
func NewHubWithBuffer(logger *slog.Logger, buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe attaches a new listener. On a closed hub the returned subscriber
// is already closed.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:  uuid.NewString(),
		ch:  make(chan mesh.ServiceChangeEvent, h.buffer),
		hub: h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber without blocking. Callers serialize
// publishes in version order; the hub preserves that order per subscriber.
func (h *Hub) Publish(ev mesh.ServiceChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: cut this subscriber loose rather than stall
			// the feed. It will notice the close and re-sync via pull.
			delete(h.subs, id)
			close(sub.ch)
			h.dropped.Add(1)
			h.logger.Warn("dropping slow feed subscriber",
				"subscriber_id", id,
				"buffer", h.buffer,
				"version", ev.Version,
			)
		}
	}
}

// Close drops all subscribers and rejects future publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Len reports the number of attached subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped reports how many subscribers have been dropped for falling behind.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}
