// Package events provides a small subscription registry used for listener lists.
package events

import (
	"sort"
	"sync"
)

// Registry holds subscribers of type T keyed by an opaque token.
type Registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	byID map[uint64]T
}

// Add registers a subscriber and returns the token that removes it.
func (r *Registry[T]) Add(subscriber T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[uint64]T)
	}
	r.next++
	r.byID[r.next] = subscriber
	return r.next
}

// Remove unregisters a subscriber. Unknown tokens are ignored.
func (r *Registry[T]) Remove(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, token)
}

// Len returns the number of registered subscribers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Notify calls fn for every subscriber in registration order.
//
// The subscriber set is snapshotted first, so fn may add or remove
// subscribers without deadlocking.
func (r *Registry[T]) Notify(fn func(T)) {
	for _, subscriber := range r.snapshot() {
		fn(subscriber)
	}
}

func (r *Registry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]uint64, 0, len(r.byID))
	for token := range r.byID {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	out := make([]T, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, r.byID[token])
	}
	return out
}
