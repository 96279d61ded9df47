package processing

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot buffer between one producer and one consumer.
// Put never blocks: a new item replaces an unconsumed one and the replaced
// item is counted as dropped. Take blocks until an item is available, the
// mailbox is closed and drained, or ctx is done.
type Mailbox[T any] struct {
	mu     sync.Mutex
	item   T
	full   bool
	closed bool

	ready chan struct{}
	drops atomic.Uint64
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put stores v and reports whether an unconsumed item was overwritten.
// Put after Close is a no-op.
func (m *Mailbox[T]) Put(v T) (dropped bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.full {
		m.drops.Add(1)
		dropped = true
	}
	m.item = v
	m.full = true
	m.mu.Unlock()

	m.signal()
	return dropped
}

func (m *Mailbox[T]) Take(ctx context.Context) (T, bool) {
	var zero T
	for {
		m.mu.Lock()
		if m.full {
			v := m.item
			m.item = zero
			m.full = false
			m.mu.Unlock()
			return v, true
		}
		if m.closed {
			m.mu.Unlock()
			return zero, false
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Close wakes the consumer. A pending item can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Drops is the number of items overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
