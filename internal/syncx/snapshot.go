// Package syncx provides synchronization helpers for shared session state.
package syncx

import "sync"

// Snapshot guards a value that readers copy out whole. Every Update bumps a
// version so observers can order the copies they receive.
type Snapshot[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// NewSnapshot creates a guarded value at version 0.
func NewSnapshot[T any](initial T) *Snapshot[T] {
	return &Snapshot[T]{value: initial}
}

// Get returns a copy of the value (T should be a value type or immutable).
func (s *Snapshot[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Version returns the number of updates applied so far.
func (s *Snapshot[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Update bumps the version, lets fn mutate the value under the write lock
// and returns the resulting copy. fn receives the new version.
func (s *Snapshot[T]) Update(fn func(v *T, version uint64)) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	fn(&s.value, s.version)
	return s.value
}
