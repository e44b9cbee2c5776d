package message

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// ConnID identifies a server-side connection. Ids are assigned by the server and never
// reused while the server runs.
type ConnID uint32

// NoOrigin marks a message that was not received by a server-side connection
const NoOrigin ConnID = 0

// Header is the fixed-size part of every frame
type Header struct {
	Type       MessageType `json:"type"`
	BodyLength uint32      `json:"body_length"`
}

// Message is one frame: a header and an opaque body.
//
// Header.BodyLength always equals len(Body) once a message is queued or written; every
// helper in this package recomputes it after mutating the body. Origin is only set on
// messages received by a server and names the connection they came from. It is an id,
// not a reference: the connection may be gone by the time the id is resolved.
type Message struct {
	Header Header `json:"header"`
	Body   []byte `json:"body,omitempty"`
	Origin ConnID `json:"origin,omitempty"`
}

// New creates a header-only message of the given type
func New(t MessageType) Message {
	return Message{Header: Header{Type: t}}
}

// Type is a shorthand for m.Header.Type
func (m *Message) Type() MessageType {
	return m.Header.Type
}

// Size returns the size of the whole frame in bytes (header plus body)
func (m *Message) Size() int {
	return HeaderSize + len(m.Body)
}

// Sync recomputes Header.BodyLength from the body
func (m *Message) Sync() {
	m.Header.BodyLength = uint32(len(m.Body))
}

// String returns a short description for logging
func (m Message) String() string {
	return fmt.Sprintf("type=%s size=%d bytes", m.Header.Type, m.Size())
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType is the one-byte tag that leads every frame. The transport treats it as an
// opaque discriminant; only handlers interpret it.
type MessageType uint8

const (
	ServerAcceptRequest MessageType = iota
	ServerAcceptAnswer

	LoginRequest
	LoginAnswer

	RegistrationRequest
	RegistrationAnswer

	MessageStoreRequest
	MessageStoreAnswer

	// MessageBroadcast is pushed by the server to other clients when a message is stored
	MessageBroadcast
)

var typeNames = map[MessageType]string{
	ServerAcceptRequest: "server-accept-request",
	ServerAcceptAnswer:  "server-accept-answer",
	LoginRequest:        "login-request",
	LoginAnswer:         "login-answer",
	RegistrationRequest: "registration-request",
	RegistrationAnswer:  "registration-answer",
	MessageStoreRequest: "message-store-request",
	MessageStoreAnswer:  "message-store-answer",
	MessageBroadcast:    "message-broadcast",
}

// String returns the string representation of a MessageType
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseMessageType is the inverse of MessageType.String for known types
func ParseMessageType(s string) (MessageType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type: %s", s)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
