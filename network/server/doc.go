// Package server multiplexes many TCP clients onto one inbound queue and a small,
// self-scaling worker pool.
//
// Accepted sockets are passed to the OnClientConnect hook. Approved connections get an
// id (counting up from ServerConfig.FirstConnectionID) and start reading; every message
// they receive is tagged with that id and queued. Update drains the queue on the
// caller's goroutine, passes each message to the request handler and sends the reply
// back to the origin.
//
// Dead connections are not removed when their socket closes. They are found and removed
// by the next MessageClient or MessageAllClients call that touches them, which also
// runs the OnClientDisconnect hook exactly once. Enable ServerConfig.Events to observe
// socket closures as they happen.
//
// Worker scaling: when the inbound backlog seen by Update exceeds ScaleHighWater, the
// pool grows by NumCPU workers up to MaxWorkers. Once the backlog falls below
// ScaleLowWater it shrinks back towards the base size, one step per Update.
package server
