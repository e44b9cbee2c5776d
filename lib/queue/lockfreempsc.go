package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single linked element of the queue
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
//
// Producers append to a linked list with compare-and-swap and never block. A single
// internal goroutine moves items from the list into the channel returned by Recv.
// Several goroutines may receive from that channel; the "single consumer" is the
// internal mover, which keeps FIFO order per producer.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan *T
	closed atomic.Bool
	done   sync.WaitGroup

	// wakes the mover when it runs dry
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its mover goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &LockFreeMPSC[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.move()

	return q
}

// Push appends an item. It returns false for nil items or once the queue is closed.
// Safe for any number of concurrent callers.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}

	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have advanced the tail for us
				q.tail.CompareAndSwap(tail, n)

				// signal under mu so it cannot fall between the mover's empty check and Wait
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little under low contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// move hands items from the list to the out channel until the queue is closed and empty
func (q *LockFreeMPSC[T]) move() {
	defer q.done.Done()
	defer close(q.out)

	for {
		moved := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			moved = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !moved && q.closed.Load() {
			return
		}

		if !moved {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel items are delivered on. It is closed after Close once all
// queued items have been received.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Already queued items are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)

	// same as in Push, the mover must not miss the wakeup
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close has been called
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len walks the list and counts the queued items. O(n), meant for diagnostics.
// Items already taken by the mover but not yet received are not counted.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for cur := q.head.Load(); ; count++ {
		next := cur.next.Load()
		if next == nil {
			return count
		}
		cur = next
	}
}
