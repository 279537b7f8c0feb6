// Package events implements the Supervisor's event bus: subscribers
// register a listener, publication is synchronous but never blocks, and
// delivery is best-effort with no persistent queue. Channel-per-subscriber
// with a non-blocking send is the idiomatic Go shape for that contract,
// so this package is deliberately standard-library-only.
package events

import (
	"sync"
	"time"
)

// Kind identifies the event types the Supervisor publishes.
type Kind string

const (
	KindWorkerStateChanged Kind = "worker_state_changed"
	KindWorkerRestarted    Kind = "worker_restarted"
	KindRequestRouted      Kind = "request_routed"
	KindModelCacheRefresh  Kind = "model_cache_refresh"
	KindBreakerTripped     Kind = "breaker_tripped"
)

// Event is one published occurrence. Fields beyond Kind/At are
// populated as needed per Kind; consumers type-switch or key-check
// Attrs.
type Event struct {
	Kind  Kind
	At    time.Time
	Attrs map[string]any
}

// Bus is a synchronous, best-effort publish/subscribe channel. A
// listener that would block (a full channel) simply misses the event
// instead of wedging the publisher — a slow subscriber must never be
// able to stall the bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given buffer size and
// returns the channel plus an unsubscribe function. Callers must drain
// the channel or call unsubscribe to avoid never-delivered events
// piling up invisibly (they're simply dropped once the buffer is full,
// not queued unboundedly).
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber without blocking on
// any of them. A full subscriber channel drops the event for that
// subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently registered,
// exposed for metrics/diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
