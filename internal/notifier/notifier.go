// Package notifier provides a small broadcast mechanism. geoquery uses it
// twice: as a ping when the queue table changes, and as a feed of job
// notices streamed to widgets.
package notifier

import "sync"

// Notifier broadcasts values of type T to all subscribed listeners.
type Notifier[T any] struct {
	mu        sync.RWMutex
	listeners map[chan T]struct{}
	buffer    int
}

// New creates a Notifier whose subscriber channels hold up to buffer
// values (minimum 1).
func New[T any](buffer int) *Notifier[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Notifier[T]{
		listeners: make(map[chan T]struct{}),
		buffer:    buffer,
	}
}

// Subscribe returns a channel that receives broadcast values.
// The caller must call Unsubscribe when done to prevent goroutine leaks.
func (n *Notifier[T]) Subscribe() chan T {
	ch := make(chan T, n.buffer)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier[T]) Unsubscribe(ch chan T) {
	n.mu.Lock()
	_, ok := n.listeners[ch]
	delete(n.listeners, ch)
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Broadcast sends v to all listeners.
// Non-blocking: if a listener's channel is full, the value is dropped for
// that listener.
func (n *Notifier[T]) Broadcast(v T) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of subscribed listeners.
func (n *Notifier[T]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

// Ping is the payload of change notifications that carry no data; the
// listener re-reads the source.
type Ping struct{}

// NewPinger returns a Notifier for pings. A single buffered slot is
// enough: one pending ping already means "re-read".
func NewPinger() *Notifier[Ping] {
	return New[Ping](1)
}
