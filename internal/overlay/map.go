// Package overlay keeps the user's latest unconfirmed intents so views can
// show them before the network confirms the published record.
package overlay

import (
	"context"
	"sync"
)

// Map is an observable map from target to intended state. Entries belong to
// one owner; a write for another owner is ignored and Reset switches owner.
type Map[K comparable, V comparable] struct {
	mu     sync.RWMutex
	owner  string
	values map[K]V
	subs   map[int]chan struct{}
	nextID int
}

// NewMap creates an empty map for owner
func NewMap[K comparable, V comparable](owner string) *Map[K, V] {
	return &Map[K, V]{
		owner:  owner,
		values: make(map[K]V),
		subs:   make(map[int]chan struct{}),
	}
}

// Owner returns the owner the entries belong to
func (m *Map[K, V]) Owner() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner
}

// Set records the intent for key. It reports false if owner is not the
// current owner.
func (m *Map[K, V]) Set(owner string, key K, value V) bool {
	m.mu.Lock()
	if owner != m.owner {
		m.mu.Unlock()
		return false
	}
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
	return true
}

// SetAll records several intents at once
func (m *Map[K, V]) SetAll(owner string, values map[K]V) bool {
	m.mu.Lock()
	if owner != m.owner {
		m.mu.Unlock()
		return false
	}
	for k, v := range values {
		m.values[k] = v
	}
	m.mu.Unlock()
	m.notify()
	return true
}

// Get returns the intent for key
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Resolve returns the intent for key if there is one, else durable
func (m *Map[K, V]) Resolve(key K, durable V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	return durable
}

// Snapshot returns a copy of all entries
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]V, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// ClearIfEqual removes key if its intent still equals value. A newer intent
// recorded in the meantime is kept.
func (m *Map[K, V]) ClearIfEqual(owner string, key K, value V) bool {
	m.mu.Lock()
	cur, ok := m.values[key]
	if owner != m.owner || !ok || cur != value {
		m.mu.Unlock()
		return false
	}
	delete(m.values, key)
	m.mu.Unlock()
	m.notify()
	return true
}

// Delete removes the intents for keys regardless of their value
func (m *Map[K, V]) Delete(owner string, keys ...K) {
	m.mu.Lock()
	if owner != m.owner {
		m.mu.Unlock()
		return
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	m.mu.Unlock()
	m.notify()
}

// Reset drops all entries and hands the map to owner
func (m *Map[K, V]) Reset(owner string) {
	m.mu.Lock()
	m.owner = owner
	m.values = make(map[K]V)
	m.mu.Unlock()
	m.notify()
}

// Subscribe returns a channel signalled after every change. It is closed
// when ctx is done.
func (m *Map[K, V]) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *Map[K, V]) notify() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
