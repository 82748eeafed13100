// ABOUTME: Table of mutexes acquired by key, one per distinct key
// ABOUTME: A narrow admission lock guards only the lookup or creation of each entry

// Package keylock serializes work per key while letting different keys proceed in parallel.
//
// Entries are never removed, so the table grows with the number of distinct keys seen.
// Len exposes the size for monitoring.
package keylock

import "sync"

// Map hands out one mutex per key.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// New creates an empty Map.
func New[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*sync.Mutex)}
}

// Lock blocks until the mutex for key is held and returns its unlock function.
func (m *Map[K]) Lock(key K) (unlock func()) {
	l := m.get(key)
	l.Lock()
	return l.Unlock
}

// TryLock acquires the mutex for key without blocking.
func (m *Map[K]) TryLock(key K) (unlock func(), ok bool) {
	l := m.get(key)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Len reports how many keys have an entry.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map[K]) get(key K) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
