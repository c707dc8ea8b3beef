// Package observable provides a latest-value publisher.
//
// A Value always has a current value. Subscribers receive that value
// immediately on Subscribe and then every value passed to Set, in order.
// Readers calling Get never block on slow subscribers.
package observable

import (
	"sync"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Value holds the latest value of T and fans it out to subscribers.
//
// Callbacks run synchronously on the goroutine calling Set or Subscribe and
// must not call Set or Subscribe on the same Value.
type Value[T any] struct {
	// deliverMu serializes publication so subscribers observe values in
	// the order they were set and never miss the initial value.
	deliverMu sync.Mutex

	mu          sync.RWMutex
	current     T
	nextID      uint64
	subscribers []subscriber[T]
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the current value and notifies every subscriber.
func (v *Value[T]) Set(next T) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	v.current = next
	subs := make([]subscriber[T], len(v.subscribers))
	copy(subs, v.subscribers)
	v.mu.Unlock()

	for _, sub := range subs {
		sub.fn(next)
	}
}

// Subscribe registers fn, calls it once with the current value and returns a
// function that removes the subscription.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.subscribers = append(v.subscribers, subscriber[T]{id: id, fn: fn})
	current := v.current
	v.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() { v.remove(id) })
	}
}

// Len returns the number of active subscribers.
func (v *Value[T]) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subscribers)
}

func (v *Value[T]) remove(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, sub := range v.subscribers {
		if sub.id == id {
			v.subscribers = append(v.subscribers[:i:i], v.subscribers[i+1:]...)
			return
		}
	}
}
