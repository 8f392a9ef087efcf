// Package signal provides typed publish/subscribe channels used to fan out
// model notifications to any number of independent listeners.
package signal

import "sync"

// SlotID identifies a connected listener.
type SlotID uint64

type slot[T any] struct {
	id SlotID
	fn func(T)
}

// Signal delivers values of type T to connected listeners in connection
// order. The zero value is ready to use.
type Signal[T any] struct {
	mu     sync.RWMutex
	slots  []slot[T]
	nextID SlotID
}

// Connect adds a listener and returns its id.
func (s *Signal[T]) Connect(fn func(T)) SlotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.slots = append(s.slots, slot[T]{id: s.nextID, fn: fn})
	return s.nextID
}

// Disconnect removes a listener. It reports whether the listener was
// connected.
func (s *Signal[T]) Disconnect(id SlotID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every listener with v. A listener disconnected while the
// emission is running is not called afterwards.
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	snapshot := make([]slot[T], len(s.slots))
	copy(snapshot, s.slots)
	s.mu.RUnlock()

	for _, sl := range snapshot {
		if !s.connected(sl.id) {
			continue
		}
		sl.fn(v)
	}
}

// Clear disconnects every listener.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	s.slots = nil
	s.mu.Unlock()
}

// Len returns the number of connected listeners.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

func (s *Signal[T]) connected(id SlotID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sl := range s.slots {
		if sl.id == id {
			return true
		}
	}
	return false
}
