package events

import (
	"sync"
)

// Observable holds a current value of type T and notifies registered
// channels whenever the value is replaced. New listeners immediately
// receive the current value if one has been set, so late subscribers
// (a UI pane attached after connection, for example) never render
// stale zero state.
type Observable[T any] struct {
	mu        sync.RWMutex
	value     T
	hasValue  bool
	listeners map[uint64]chan<- T
	nextID    uint64
}

// NewObservable creates an Observable with no value set.
func NewObservable[T any]() *Observable[T] {
	return &Observable[T]{
		listeners: make(map[uint64]chan<- T),
	}
}

// Set replaces the current value and notifies all listeners.
// Sends are non-blocking; a listener whose channel is full misses
// this update and catches up on the next one.
func (o *Observable[T]) Set(value T) {
	o.mu.Lock()
	o.value = value
	o.hasValue = true

	// Copy the listener set so sends happen outside the lock.
	targets := make([]chan<- T, 0, len(o.listeners))
	for _, ch := range o.listeners {
		targets = append(targets, ch)
	}
	o.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// Get returns the current value and whether one has been set.
func (o *Observable[T]) Get() (T, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value, o.hasValue
}

// Listen registers a channel to receive value changes and returns a
// deregistration function. If a value has already been set it is sent
// to the channel immediately (non-blocking).
func (o *Observable[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("Observable: channel cannot be nil")
	}

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = ch
	replay := o.hasValue
	current := o.value
	o.mu.Unlock()

	if replay {
		select {
		case ch <- current:
		default:
		}
	}

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// ListenerCount returns the number of registered listeners.
func (o *Observable[T]) ListenerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}
