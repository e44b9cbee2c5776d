// Package executor provides the worker pool that serves as the I/O execution context of
// msgnet servers and clients.
//
// Work is posted as plain functions and executed by a resizable set of worker
// goroutines. Posting never blocks: tasks are queued on a queue.LockFreeMPSC, which makes
// it safe to post from network callbacks and while holding locks.
//
// Sizing is explicit and reversible. Grow adds workers, Shrink retires idle ones (never
// below one), and Stop halts the pool, drops tasks that did not start and joins every
// worker. Stop must not be called from inside a task.
package executor
