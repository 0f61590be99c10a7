package utils

import "sync"

// Mailbox is a single slot, latest value hand-off between one producer and any number of consumers.
// Put never blocks: an unconsumed value is overwritten and counted as dropped. It is not a queue.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
	fresh bool
	drops uint64
}

// Put stores v as the latest value. It returns true when a value that was never taken is replaced.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := m.fresh
	if dropped {
		m.drops++
	}
	m.value = v
	m.full = true
	m.fresh = true
	return dropped
}

// Latest returns the most recent value without consuming it. Repeated calls observe the same
// value until the producer puts a new one.
func (m *Mailbox[T]) Latest() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.full
}

// Take returns the latest value only if it has not been taken before.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fresh {
		var zero T
		return zero, false
	}
	m.fresh = false
	return m.value, true
}

// Clear empties the slot.
func (m *Mailbox[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	m.value = zero
	m.full = false
	m.fresh = false
}

// Drops returns how many values were overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
