package events

import (
	"log/slog"
	"sync"
)

// Bus is the in-process telemetry fan-out. Subscribers are invoked on the
// publishing goroutine; they must return quickly and reconcile ordering via
// their own sequence fields, not arrival order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

var _ Publisher = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscription identifies one subscriber for later removal.
type Subscription struct {
	bus *Bus
	id  int
}

// Close removes the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.bus = nil
}

// Subscribe registers fn for every published event.
func (b *Bus) Subscribe(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	return &Subscription{bus: b, id: id}
}

// Publish delivers e to all current subscribers. A panicking subscriber is
// logged and skipped; delivery failure is never fatal to the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "type", string(e.Type), "panic", r)
				}
			}()
			fn(e)
		}()
	}
}
