package lazyloading

import "sync"

// Locked guards a value with a read-write lock.
type Locked[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewLocked wraps value.
func NewLocked[T any](value T) *Locked[T] {
	return &Locked[T]{value: value}
}

// Read calls fn with the value under a read lock. fn must not mutate it.
func (l *Locked[T]) Read(fn func(v *T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(&l.value)
}

// Write calls fn with the value under the write lock.
func (l *Locked[T]) Write(fn func(v *T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.value)
}

// View returns what fn computes from the value under a read lock.
func View[T, R any](l *Locked[T], fn func(v *T) R) R {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&l.value)
}

// Update returns what fn computes while holding the write lock.
func Update[T, R any](l *Locked[T], fn func(v *T) R) R {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&l.value)
}
