// Package events provides typed in-process publish/subscribe topics used to
// fan out hub, session and enforcement notifications.
package events

import (
	"slices"
	"sync"
)

// Topic delivers values of type T to every subscriber. The zero value is
// ready to use.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs == nil {
		t.subs = make(map[int]func(T))
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish calls every subscriber synchronously, in subscription order.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	if len(t.subs) == 0 {
		t.mu.RUnlock()
		return
	}
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	handlers := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, t.subs[id])
	}
	t.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
