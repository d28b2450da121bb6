package orchestrator

import (
	"sync"
	"time"
)

// StageQueue is a bounded FIFO between two pipeline stages. Push never
// blocks: when the queue is full the oldest item is evicted.
type StageQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	notify chan struct{}
}

// NewStageQueue returns a queue holding up to capacity items. Capacities
// below one are raised to one.
func NewStageQueue[T any](capacity int) *StageQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &StageQueue[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v. It returns true when an older item was evicted to make room.
func (q *StageQueue[T]) Push(v T) (evicted bool) {
	q.mu.Lock()
	c := len(q.items)
	if q.size == c {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % c
		q.size--
		evicted = true
	}
	q.items[(q.head+q.size)%c] = v
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
func (q *StageQueue[T]) Pop(timeout time.Duration) (T, bool) {
	if v, ok := q.tryPop(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if v, ok := q.tryPop(); ok {
				return v, true
			}
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *StageQueue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	if q.size > 0 {
		// more waiting; keep a consumer awake
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return v, true
}

// Clear discards every queued item and returns how many were dropped.
func (q *StageQueue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.size = 0
	return n
}

func (q *StageQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *StageQueue[T]) Cap() int {
	return len(q.items)
}
