package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitUntil polls cond until it holds or the timeout expires
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

// TestPoolRunsTasks verifies that every posted task runs exactly once
func TestPoolRunsTasks(t *testing.T) {
	p := New("test")
	if err := p.Start(4); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	const tasks = 1000
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(tasks)

	for i := 0; i < tasks; i++ {
		if !p.Post(func() {
			count.Add(1)
			wg.Done()
		}) {
			t.Fatalf("Post %d returned false", i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d tasks ran", count.Load(), tasks)
	}

	if count.Load() != tasks {
		t.Errorf("count = %d, want %d", count.Load(), tasks)
	}
}

// TestPoolStartOnce verifies the start-once invariant
func TestPoolStartOnce(t *testing.T) {
	p := New("test")
	defer p.Stop()

	if err := p.Start(1); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := p.Start(1); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

// TestPoolMinimumOneWorker verifies that Start clamps the worker count
func TestPoolMinimumOneWorker(t *testing.T) {
	p := New("test")
	defer p.Stop()

	if err := p.Start(0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.Size() != 1 {
		t.Errorf("Size = %d, want 1", p.Size())
	}
}

// TestPoolGrowShrink verifies that scaling is reversible and never drops below one worker
func TestPoolGrowShrink(t *testing.T) {
	p := New("test")
	if err := p.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	p.Grow(3)
	if p.Size() != 5 {
		t.Fatalf("Size after Grow = %d, want 5", p.Size())
	}

	// idle workers are parked in select and can be retired, retry while they settle
	waitUntil(t, time.Second, func() bool {
		p.Shrink(3)
		return p.Size() == 2
	})

	waitUntil(t, time.Second, func() bool {
		p.Shrink(10)
		return p.Size() == 1
	})

	p.Shrink(10)
	if p.Size() != 1 {
		t.Errorf("Size = %d, pool must keep one worker", p.Size())
	}

	// the remaining worker still executes tasks
	ran := make(chan struct{})
	p.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run after shrinking")
	}
}

// TestPoolStop verifies Stop semantics: joined workers, rejected posts, idempotency
func TestPoolStop(t *testing.T) {
	p := New("test")
	if err := p.Start(2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	p.Stop()
	p.Stop()

	if !p.Stopped() {
		t.Error("Stopped = false after Stop")
	}
	if p.Size() != 0 {
		t.Errorf("Size after Stop = %d, want 0", p.Size())
	}
	if p.Post(func() {}) {
		t.Error("Post after Stop returned true")
	}
	if err := p.Start(1); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

// TestPoolStopNeverStarted verifies that stopping an idle pool is safe
func TestPoolStopNeverStarted(t *testing.T) {
	p := New("test")
	p.Stop()
	if p.Post(func() {}) {
		t.Error("Post on a stopped pool returned true")
	}
	if err := p.Start(1); !errors.Is(err, ErrStopped) {
		t.Errorf("Start on a stopped pool = %v, want ErrStopped", err)
	}
}

// TestPoolSurvivesPanic verifies that a panicking task does not kill the worker
func TestPoolSurvivesPanic(t *testing.T) {
	p := New("test")
	if err := p.Start(1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	p.Post(func() { panic("boom") })

	ran := make(chan struct{})
	p.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}
