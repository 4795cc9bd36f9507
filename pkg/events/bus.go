// Package events provides typed publish/subscribe with explicit subscription
// tokens. Each token removes its listener at most once.
package events

import "sync"

// Subscription is the token returned by Bus.Subscribe.
type Subscription struct {
	once   sync.Once
	remove func()
}

// NewSubscription adapts an external removal func into a Subscription, so
// remove runs at most once however often Unsubscribe is called.
func NewSubscription(remove func()) *Subscription {
	return &Subscription{remove: remove}
}

// Unsubscribe removes the listener. It reports whether this call did the
// removal; later calls are no-ops and return false.
func (s *Subscription) Unsubscribe() bool {
	if s == nil {
		return false
	}
	did := false
	s.once.Do(func() {
		if s.remove != nil {
			s.remove()
		}
		did = true
	})
	return did
}

type listener[E any] struct {
	id uint64
	fn func(E)
}

// Bus delivers events of type E to listeners in subscription order.
// Publish runs listeners on the publishing goroutine.
type Bus[E any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[E]
}

// Subscribe registers fn and returns its removal token.
func (b *Bus[E]) Subscribe(fn func(E)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[E]{id: id, fn: fn})
	b.mu.Unlock()

	return &Subscription{remove: func() { b.unsubscribe(id) }}
}

func (b *Bus[E]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current listener and returns how many ran.
func (b *Bus[E]) Publish(e E) int {
	b.mu.Lock()
	snapshot := make([]listener[E], len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, l := range snapshot {
		l.fn(e)
	}
	return len(snapshot)
}

// Len returns the number of registered listeners.
func (b *Bus[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
