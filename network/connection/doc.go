// Package connection implements one end of a framed, bidirectional TCP link.
//
// A Connection reads frames with a read pump and writes them with a write pump:
//
//   - The read pump runs on its own goroutine. It reads a header, then the body if the
//     header announces one, pushes the message to the inbound queue shared with the
//     owner and starts over. Server-side connections tag every message with their id.
//
//   - The write pump runs on the executor. Send appends to the connection's outbound
//     queue and posts the pump when the queue was empty. The pump writes the front frame,
//     pops it and continues until the queue is empty. Frames leave in Send order.
//
// Any I/O or protocol error closes the socket, stops both pumps and discards pending
// outbound frames. IsConnected is the only liveness signal. Done and the OnClose option
// report the closure, Err returns the transport error that caused it.
//
// Usage:
//
//	inbound := queue.NewSafeQueue[message.Message]()
//	conn := connection.NewClientSide(inbound, exec, connection.Options{DialTimeout: time.Second})
//	if err := conn.ConnectAsClient(ctx, []string{"127.0.0.1:60000"}); err != nil {
//		return err
//	}
//	_ = conn.Send(message.New(message.ServerAcceptRequest))
package connection
