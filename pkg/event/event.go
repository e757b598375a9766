package event

import "sync"

// Package event provides a way for listeners to subscribe to synchronous events.

// Listener receives events of type T.
// We use an interface instead of a function, because functions cannot be compared for equality.
// Comparison for equality is essential for removing an existing listener.
type Listener[T any] interface {
	OnEvent(sender *Sender[T], event T)
}

// Sender sends events to all of its listeners, on the caller's goroutine
type Sender[T any] struct {
	listenersLock sync.Mutex
	listeners     []Listener[T]
}

// Add a new listener
// If the listener is already present, then the function returns immediately
func (s *Sender[T]) AddListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// Remove an existing listener
// If the listener is not present, then the function returns immediately
func (s *Sender[T]) RemoveListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Sender[T]) NumListeners() int {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	return len(s.listeners)
}

// Send an event to all listeners.
// The listener list is copied first, so a listener may remove itself while handling an event.
func (s *Sender[T]) SendEvent(event T) {
	s.listenersLock.Lock()
	list := make([]Listener[T], len(s.listeners))
	copy(list, s.listeners)
	s.listenersLock.Unlock()

	for _, l := range list {
		l.OnEvent(s, event)
	}
}
