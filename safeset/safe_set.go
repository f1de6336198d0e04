// Package safeset provides a thread-safe generic set. The admission policy
// keeps its host blocklist in one, read by accept goroutines and updated by
// operators at runtime.
package safeset

import "sync"

// SafeSet is a thread-safe set of unique elements of comparable type T.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet creates a set holding values.
//
// Parameters:
//   - values: Initial elements; duplicates are collapsed
//
// Returns:
//   - A new SafeSet
func NewSafeSet[T comparable](values ...T) *SafeSet[T] {
	s := &SafeSet[T]{m: make(map[T]struct{}, len(values))}
	for _, v := range values {
		s.m[v] = struct{}{}
	}

	return s
}

// Add adds an element and reports whether it was newly added.
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove removes an element and reports whether it was present.
func (s *SafeSet[T]) Remove(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether the set contains value.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the elements in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}

	return out
}

// Replace atomically swaps the contents of the set for values.
func (s *SafeSet[T]) Replace(values []T) {
	m := make(map[T]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
}
