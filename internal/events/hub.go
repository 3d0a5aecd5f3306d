// Package events fans lifecycle events out to independent consumers.
package events

import (
	"sync"
	"time"

	"github.com/hatchway/runner/internal/models"
)

// Publisher accepts lifecycle events from producers.
type Publisher interface {
	Publish(ev models.LifecycleEvent)
}

// Sink consumes lifecycle events. Deliver must not block: a slow consumer
// queues, coalesces or drops on its own side.
type Sink interface {
	Deliver(ev models.LifecycleEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev models.LifecycleEvent)

// Deliver calls f(ev).
func (f SinkFunc) Deliver(ev models.LifecycleEvent) { f(ev) }

// Hub delivers every published event to every subscribed sink, in publish
// order. Delivery is serialized, so two events published one after the other
// are observed in that order by all sinks.
type Hub struct {
	mu     sync.Mutex
	sinks  []*subscription
	clock  func() time.Time
	closed bool
}

type subscription struct {
	sink Sink
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clock: time.Now}
}

// NewHubWithClock creates a hub that stamps events using clock.
func NewHubWithClock(clock func() time.Time) *Hub {
	if clock == nil {
		clock = time.Now
	}
	return &Hub{clock: clock}
}

// Subscribe registers s and returns a function that removes it.
func (h *Hub) Subscribe(s Sink) func() {
	sub := &subscription{sink: s}
	h.mu.Lock()
	h.sinks = append(h.sinks, sub)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, candidate := range h.sinks {
			if candidate == sub {
				h.sinks = append(h.sinks[:i:i], h.sinks[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps ev with the current time when unset and delivers it.
// Events published after Close are discarded.
func (h *Hub) Publish(ev models.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = h.clock()
	}
	for _, sub := range h.sinks {
		sub.sink.Deliver(ev)
	}
}

// Close stops delivery. It does not close the sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.sinks = nil
	h.mu.Unlock()
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(models.LifecycleEvent) {}
