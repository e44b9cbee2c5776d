// Package client provides the client side of the message transport: one connection to
// a server, an executor for its write pump and a queue of received messages.
//
// The client is single-connection. Connect resolves the host and dials each address in
// turn; there is no reconnect. After the connection closes, Connect can be called again
// and received messages keep accumulating in the same Incoming queue.
package client
