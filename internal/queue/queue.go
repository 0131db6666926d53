// Package queue provides the FIFO primitive every command path drains through.
package queue

import (
	"sync"

	"github.com/emirpasic/gods/lists/singlylinkedlist"
)

// FIFO is an unbounded first-in-first-out queue. Peek never mutates; Dequeue
// removes only the head. The zero value is not usable, call New.
type FIFO[T any] struct {
	mu   sync.Mutex
	list *singlylinkedlist.List
}

func New[T any]() *FIFO[T] {
	return &FIFO[T]{list: singlylinkedlist.New()}
}

func (q *FIFO[T]) Enqueue(item T) {
	q.mu.Lock()
	q.list.Add(item)
	q.mu.Unlock()
}

// Peek returns the head without removing it. The second return is false when
// the queue is empty; an empty queue is not a fault.
func (q *FIFO[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	v, ok := q.list.Get(0)
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Dequeue removes the head. Removing from an empty queue is a no-op.
func (q *FIFO[T]) Dequeue() {
	q.mu.Lock()
	if q.list.Size() > 0 {
		q.list.Remove(0)
	}
	q.mu.Unlock()
}

func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Size()
}
