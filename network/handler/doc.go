// Package handler defines the request handler contract of the server and a simple chain
// that routes messages by type or predicate.
//
// A handler receives one inbound message and returns zero or one reply. The server sends
// the reply to the connection the message came from. The chain evaluates its routes in
// registration order and the first match handles the message.
package handler
