// Package queue provides the concurrent queues shared by every layer of msgnet.
//
// Two queue types are provided:
//
//   - SafeQueue: a mutex-guarded double-ended queue with a blocking Wait. It is the
//     inbound and outbound message queue of every connection, server and client. Every
//     method holds the lock for exactly one operation; there are no compound atomic
//     sequences. Callers that need "pop if non-empty" semantics must serialize around
//     the queue themselves (the connection does this with its send lock).
//
//   - LockFreeMPSC: a lock-free multi-producer single-consumer queue. Push never blocks,
//     which makes it suitable for posting work from network callbacks. It backs the task
//     queue of the executor and the server's lifecycle event stream.
//
// Writer discipline:
//
//   - outbound SafeQueue: Connection.Send callers and the connection's write pump
//   - inbound SafeQueue: every read pump of the owning server/client (many writers),
//     drained by a single application goroutine
//   - LockFreeMPSC: any number of producers, one internal consumer goroutine
package queue
