package executor

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/msgnet/lib/queue"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("executor")

var (
	// ErrAlreadyStarted is returned by Start on a pool that was started before
	ErrAlreadyStarted = errors.New("executor already started")

	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("executor stopped")
)

// task is a unit of work posted to the pool
type task func()

// Pool is a resizable set of worker goroutines executing posted tasks.
// It is the I/O execution context of a server or client: write pumps, deferred socket
// closures and other completion work are posted here so they never run on the caller.
type Pool struct {
	name  string
	tasks *queue.LockFreeMPSC[task]

	mu      sync.Mutex
	group   *errgroup.Group
	retire  chan struct{}
	started bool

	stopped atomic.Bool
	workers atomic.Int64
}

// New creates an idle pool; call Start to launch workers
func New(name string) *Pool {
	return &Pool{
		name:   name,
		tasks:  queue.NewLockFreeMPSC[task](),
		retire: make(chan struct{}),
	}
}

// Start launches n workers (at least one). A pool can only be started once and not
// after Stop.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped.Load() {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.group = &errgroup.Group{}

	if n < 1 {
		n = 1
	}
	p.spawn(n)

	Logger.Debugf("%s: started %d workers", p.name, n)
	return nil
}

// Post queues f for execution. It never blocks and returns false once the pool is stopped.
func (p *Pool) Post(f func()) bool {
	if f == nil || p.stopped.Load() {
		return false
	}
	t := task(f)
	return p.tasks.Push(&t)
}

// Grow adds n workers to a running pool
func (p *Pool) Grow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped.Load() || n < 1 {
		return
	}
	p.spawn(n)
	Logger.Infof("%s: grew by %d workers to %d", p.name, n, p.workers.Load())
}

// Shrink retires up to n idle workers, always keeping at least one.
// It never waits: workers busy with a task are skipped and can be retired by a later call.
func (p *Pool) Shrink(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped.Load() {
		return
	}

	retired := 0
loop:
	for retired < n && p.workers.Load() > 1 {
		select {
		case p.retire <- struct{}{}:
			p.workers.Add(-1)
			retired++
		default:
			break loop
		}
	}
	if retired > 0 {
		Logger.Infof("%s: shrank by %d workers to %d", p.name, retired, p.workers.Load())
	}
}

// Size returns the number of live workers
func (p *Pool) Size() int {
	return int(p.workers.Load())
}

// Stopped reports whether Stop has been called
func (p *Pool) Stopped() bool {
	return p.stopped.Load()
}

// Stop halts the pool: queued tasks that did not start yet are dropped and every worker
// is joined. Safe to call on a pool that was never started and safe to call twice.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		return
	}
	p.stopped.Store(true)
	group := p.group
	p.mu.Unlock()

	p.tasks.Close()

	if group == nil {
		// never started: drain the mover so it can exit
		go func() {
			for range p.tasks.Recv() {
			}
		}()
		return
	}

	_ = group.Wait()
	Logger.Debugf("%s: stopped", p.name)
}

// spawn must be called with mu held
func (p *Pool) spawn(n int) {
	for i := 0; i < n; i++ {
		p.workers.Add(1)
		p.group.Go(p.work)
	}
}

// work runs tasks until the queue is closed or the worker is retired
func (p *Pool) work() error {
	for {
		select {
		case <-p.retire:
			// Shrink already took this worker off the count
			return nil
		case t, ok := <-p.tasks.Recv():
			if !ok {
				p.workers.Add(-1)
				return nil
			}
			if p.stopped.Load() {
				// keep draining so the queue's mover can finish
				continue
			}
			p.run(*t)
		}
	}
}

// run executes a task and keeps the worker alive if it panics
func (p *Pool) run(t task) {
	defer func() {
		if e := recover(); e != nil {
			Logger.Errorf("%s: task panicked: %v", p.name, e)
		}
	}()
	t()
}
