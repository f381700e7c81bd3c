package fleet

import (
	"sync"
	"time"
)

// EventKind identifies the kind of event broadcast over a fleet's event
// bus, per the event-emitter-to-typed-channel design.
type EventKind string

const (
	EventUpstreamAdded   EventKind = "upstreamAdded"
	EventUpstreamRemoved EventKind = "upstreamRemoved"
	EventStateChanged    EventKind = "stateChanged"
	EventAlertRaised     EventKind = "alertRaised"
	EventMetricsSwept    EventKind = "metricsSwept"
)

// Event is one item on the fleet's event bus.
type Event struct {
	Kind      EventKind
	Upstream  string
	At        time.Time
	FromState string
	ToState   string
	Alert     *Alert
}

// eventBus is a one-broadcaster, N-subscriber fan-out over a bounded
// per-subscriber channel. A subscriber whose buffer is full has the
// event dropped rather than blocking the broadcaster, with a counter
// kept for observability.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	dropped     int64
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel delivering future events, buffered to
// capacity. Call the returned func to unsubscribe.
func (b *eventBus) Subscribe(capacity int) (<-chan Event, func()) {
	if capacity <= 0 {
		capacity = 16
	}
	ch := make(chan Event, capacity)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber, never blocking.
func (b *eventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many event deliveries have been dropped due to a
// full subscriber buffer.
func (b *eventBus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close unsubscribes and closes every subscriber channel.
func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]struct{})
}
