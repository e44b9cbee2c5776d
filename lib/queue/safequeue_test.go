package queue

import (
	"sync"
	"testing"
	"time"
)

// TestSafeQueueFIFO verifies that PushBack / PopFront preserve insertion order
func TestSafeQueueFIFO(t *testing.T) {
	q := NewSafeQueue[string]()

	for _, v := range []string{"a", "b", "c"} {
		q.PushBack(v)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.PopFront()
		if !ok {
			t.Fatalf("PopFront on non-empty queue returned false")
		}
		if got != want {
			t.Errorf("PopFront = %q, want %q", got, want)
		}
	}

	if !q.Empty() {
		t.Errorf("queue should be empty, size = %d", q.Size())
	}
}

// TestSafeQueueBothEnds verifies the stack-like operations on either end
func TestSafeQueueBothEnds(t *testing.T) {
	q := NewSafeQueue[int]()

	q.PushBack(2)
	q.PushFront(1)
	q.PushBack(3)

	if v, _ := q.Front(); v != 1 {
		t.Errorf("Front = %d, want 1", v)
	}
	if v, _ := q.Back(); v != 3 {
		t.Errorf("Back = %d, want 3", v)
	}
	if q.Size() != 3 {
		t.Errorf("Size = %d, want 3", q.Size())
	}

	if v, _ := q.PopBack(); v != 3 {
		t.Errorf("PopBack = %d, want 3", v)
	}
	if v, _ := q.PopFront(); v != 1 {
		t.Errorf("PopFront = %d, want 1", v)
	}
	if v, _ := q.PopBack(); v != 2 {
		t.Errorf("PopBack = %d, want 2", v)
	}
}

// TestSafeQueueEmptyAccess verifies that reading an empty queue reports false
func TestSafeQueueEmptyAccess(t *testing.T) {
	q := NewSafeQueue[int]()

	if _, ok := q.PopFront(); ok {
		t.Error("PopFront on empty queue returned true")
	}
	if _, ok := q.PopBack(); ok {
		t.Error("PopBack on empty queue returned true")
	}
	if _, ok := q.Front(); ok {
		t.Error("Front on empty queue returned true")
	}
	if _, ok := q.Back(); ok {
		t.Error("Back on empty queue returned true")
	}

	q.PushBack(1)
	q.PushBack(2)
	q.Clear()
	if !q.Empty() || q.Size() != 0 {
		t.Error("Clear did not empty the queue")
	}
}

// TestSafeQueueWait verifies that Wait unblocks shortly after a single push
func TestSafeQueueWait(t *testing.T) {
	q := NewSafeQueue[int]()

	unblocked := make(chan struct{})
	go func() {
		q.Wait()
		close(unblocked)
	}()

	// make sure the waiter is parked
	select {
	case <-unblocked:
		t.Fatal("Wait returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.PushBack(42)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after PushBack")
	}
}

// TestSafeQueueWaitNonEmpty verifies that Wait returns immediately on a non-empty queue
func TestSafeQueueWaitNonEmpty(t *testing.T) {
	q := NewSafeQueue[int]()
	q.PushFront(1)

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a non-empty queue")
	}
}

// TestSafeQueueClose verifies that Close releases all waiters
func TestSafeQueueClose(t *testing.T) {
	q := NewSafeQueue[int]()

	const waiters = 5
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			q.Wait()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not release all waiters")
	}

	if !q.IsClosed() {
		t.Error("IsClosed = false after Close")
	}

	// a closed queue still accepts items
	q.PushBack(7)
	if v, ok := q.PopFront(); !ok || v != 7 {
		t.Errorf("PopFront after Close = %d,%v", v, ok)
	}
}

// TestSafeQueueConcurrentProducers verifies that no item is lost with many writers and one reader
func TestSafeQueueConcurrentProducers(t *testing.T) {
	q := NewSafeQueue[int]()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.PushBack(p*perProducer + i)
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	deadline := time.After(5 * time.Second)
	for len(seen) < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("received %d of %d items", len(seen), producers*perProducer)
		default:
		}

		q.Wait()
		for {
			v, ok := q.PopFront()
			if !ok {
				break
			}
			if seen[v] {
				t.Fatalf("duplicate item %d", v)
			}
			seen[v] = true
		}
	}

	wg.Wait()
}
