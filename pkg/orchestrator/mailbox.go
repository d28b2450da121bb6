package orchestrator

import (
	"sync"
	"time"
)

// LatestMailbox holds at most one item. A push replaces whatever is waiting,
// so a slow consumer only ever sees the newest value.
type LatestMailbox[T any] struct {
	mu     sync.Mutex
	item   T
	full   bool
	notify chan struct{}
}

func NewLatestMailbox[T any]() *LatestMailbox[T] {
	return &LatestMailbox[T]{notify: make(chan struct{}, 1)}
}

// Push stores v, discarding any unconsumed item. It never blocks.
func (m *LatestMailbox[T]) Push(v T) {
	m.mu.Lock()
	m.item = v
	m.full = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pop waits up to timeout for an item.
func (m *LatestMailbox[T]) Pop(timeout time.Duration) (T, bool) {
	if v, ok := m.take(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-m.notify:
			if v, ok := m.take(); ok {
				return v, true
			}
		case <-timer.C:
			return m.take()
		}
	}
}

func (m *LatestMailbox[T]) take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.full {
		return zero, false
	}
	v := m.item
	m.item = zero
	m.full = false
	return v, true
}
