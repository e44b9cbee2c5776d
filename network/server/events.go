package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/msgnet/network/connection"
	"github.com/ValentinKolb/msgnet/network/message"
)

// EventType names a change in the life of a client connection
type EventType uint8

const (
	// EventConnected is emitted after the connect hook accepted a client
	EventConnected EventType = iota
	// EventRejected is emitted after the connect hook refused a client
	EventRejected
	// EventClosed is emitted when the socket of an accepted client is closed
	EventClosed
	// EventDisconnected is emitted after the disconnect hook ran for a client
	EventDisconnected
)

var eventNames = map[EventType]string{
	EventConnected:    "connected",
	EventRejected:     "rejected",
	EventClosed:       "closed",
	EventDisconnected: "disconnected",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event describes one lifecycle change. Err is only set for EventClosed after a
// transport error.
type Event struct {
	Type   EventType
	ID     message.ConnID
	Remote string
	Err    error
	Time   time.Time
}

func (e *Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%d] %s: %v", e.Type, e.ID, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s [%d] %s", e.Type, e.ID, e.Remote)
}

// emit queues an event for connection id if the event stream is enabled. It never blocks.
func (s *Server) emit(t EventType, id message.ConnID, c *connection.Connection, err error) {
	if s.events == nil {
		return
	}
	s.events.Push(&Event{
		Type:   t,
		ID:     id,
		Remote: c.RemoteAddr(),
		Err:    err,
		Time:   time.Now(),
	})
}

// Events returns the lifecycle event stream, nil unless ServerConfig.Events is set.
// The channel is closed after Stop once all events were received. Events are buffered
// without limit until they are received.
func (s *Server) Events() <-chan *Event {
	if s.events == nil {
		return nil
	}
	return s.events.Recv()
}
