package queue

import (
	"sync"

	"github.com/gammazero/deque"
)

// SafeQueue is a double-ended queue guarded by a single mutex.
// A second mutex with a condition variable is used for blocking waits, so Wait never
// holds the data lock while sleeping.
//
// Front, Back, PopFront and PopBack report false on an empty queue instead of
// panicking. The check itself is still racy under concurrent writers, see the package
// documentation for which goroutine may write to which queue.
type SafeQueue[T any] struct {
	mu  sync.Mutex
	que deque.Deque[T]

	waitMu sync.Mutex
	cond   *sync.Cond
	closed bool
}

// NewSafeQueue creates an empty queue
func NewSafeQueue[T any]() *SafeQueue[T] {
	q := &SafeQueue[T]{}
	q.cond = sync.NewCond(&q.waitMu)
	return q
}

// --------------------------------------------------------------------------
// Single operations (each takes and releases the lock once)
// --------------------------------------------------------------------------

// PushBack appends an item to the end of the queue
func (q *SafeQueue[T]) PushBack(item T) {
	q.mu.Lock()
	q.que.PushBack(item)
	q.mu.Unlock()
	q.notify()
}

// PushFront prepends an item to the front of the queue
func (q *SafeQueue[T]) PushFront(item T) {
	q.mu.Lock()
	q.que.PushFront(item)
	q.mu.Unlock()
	q.notify()
}

// PopFront removes and returns the first item
func (q *SafeQueue[T]) PopFront() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.que.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.que.PopFront(), true
}

// PopBack removes and returns the last item
func (q *SafeQueue[T]) PopBack() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.que.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.que.PopBack(), true
}

// Front returns the first item without removing it
func (q *SafeQueue[T]) Front() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.que.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.que.Front(), true
}

// Back returns the last item without removing it
func (q *SafeQueue[T]) Back() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.que.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.que.Back(), true
}

// Empty reports whether the queue holds no items
func (q *SafeQueue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.que.Len() == 0
}

// Size returns the number of queued items
func (q *SafeQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.que.Len()
}

// Clear removes all items
func (q *SafeQueue[T]) Clear() {
	q.mu.Lock()
	q.que.Clear()
	q.mu.Unlock()
}

// --------------------------------------------------------------------------
// Blocking
// --------------------------------------------------------------------------

// Wait blocks until the queue holds at least one item or the queue is closed.
// Wakeups are re-checked in a loop, so spurious or stolen wakeups are harmless.
func (q *SafeQueue[T]) Wait() {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()

	for q.Empty() && !q.closed {
		q.cond.Wait()
	}
}

// Close releases every goroutine blocked in Wait and makes future Wait calls return
// immediately. Items can still be pushed and popped after Close.
func (q *SafeQueue[T]) Close() {
	q.waitMu.Lock()
	q.closed = true
	q.waitMu.Unlock()
	q.cond.Broadcast()
}

// IsClosed reports whether Close has been called
func (q *SafeQueue[T]) IsClosed() bool {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	return q.closed
}

// notify wakes the waiters. Taking waitMu orders the signal after a waiter's emptiness
// check, so a push can never slip between the check and cond.Wait.
func (q *SafeQueue[T]) notify() {
	q.waitMu.Lock()
	q.waitMu.Unlock()
	q.cond.Broadcast()
}
