// Package eventbus provides a typed, in-process event bus with cancellable
// events.
//
// Subscribers are keyed by the event's Go type without reflection: the key
// is a typed nil pointer, which compares equal only for the same type.
//
//	eventbus.Subscribe(bus, func(e *TaskAddEvent) { e.Cancel() })
//	ev := eventbus.Publish(bus, TaskAddEvent{Task: t})
//	if ev.Cancelled() { ... }
package eventbus

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Cancellation is embedded into events that subscribers may veto.
type Cancellation struct {
	cancelled bool
}

// Cancel marks the event as cancelled.
func (c *Cancellation) Cancel() {
	c.cancelled = true
}

// SetCancelled sets the cancelled flag.
func (c *Cancellation) SetCancelled(v bool) {
	c.cancelled = v
}

// Cancelled reports whether a subscriber cancelled the event.
func (c *Cancellation) Cancelled() bool {
	return c.cancelled
}

// Priority orders subscribers; lower runs first. Equal priorities keep
// registration order.
type Priority int

const (
	PriorityFirst  Priority = -100
	PriorityNormal Priority = 0
	PriorityLast   Priority = 100
)

type subscriber struct {
	id       uint64
	priority Priority
	fn       any // func(*E)
}

// Bus dispatches events synchronously in the publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[any][]subscriber
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty bus. A nil logger selects slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[any][]subscriber),
		logger: logger,
	}
}

// Subscription removes its subscriber when Unsubscribe is called.
type Subscription struct {
	bus *Bus
	key any
	id  uint64
}

// Unsubscribe detaches the subscriber. Calling it twice is a no-op.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.key]
	s.bus.subs[s.key] = slices.DeleteFunc(slices.Clone(list), func(sub subscriber) bool {
		return sub.id == s.id
	})
}

func keyOf[E any]() any {
	return (*E)(nil)
}

// Subscribe registers fn for events of type E with normal priority.
func Subscribe[E any](b *Bus, fn func(*E)) Subscription {
	return SubscribePriority(b, PriorityNormal, fn)
}

// SubscribePriority registers fn for events of type E.
func SubscribePriority[E any](b *Bus, prio Priority, fn func(*E)) Subscription {
	key := keyOf[E]()
	sub := subscriber{id: b.nextID.Add(1), priority: prio, fn: fn}

	b.mu.Lock()
	defer b.mu.Unlock()
	list := slices.Clone(b.subs[key])
	idx := len(list)
	for i, s := range list {
		if s.priority > prio {
			idx = i
			break
		}
	}
	b.subs[key] = slices.Insert(list, idx, sub)

	return Subscription{bus: b, key: key, id: sub.id}
}

// Publish delivers ev to every subscriber of E and returns the event as the
// subscribers left it. A panicking subscriber is logged and skipped.
func Publish[E any](b *Bus, ev E) E {
	b.mu.RLock()
	list := b.subs[keyOf[E]()]
	b.mu.RUnlock()

	for _, s := range list {
		b.call(s, func() { s.fn.(func(*E))(&ev) })
	}
	return ev
}

// HasSubscribers reports whether anyone listens for E.
func HasSubscribers[E any](b *Bus) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[keyOf[E]()]) > 0
}

func (b *Bus) call(s subscriber, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"subscriber", s.id,
				"panic", r)
		}
	}()
	fn()
}
