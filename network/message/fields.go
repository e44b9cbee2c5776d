package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnderflow is returned when a field is extracted from a body that holds fewer bytes
// than the field needs. The message is left unmodified.
var ErrUnderflow = errors.New("message body underflow")

// ErrInvalidField is returned for variable-length fields that cannot be encoded
var ErrInvalidField = errors.New("invalid message field")

// byteOrder is used for the header and for every field
var byteOrder = binary.BigEndian

// Fixed lists the types that have the same size on every platform. int and uint are left
// out on purpose: their width depends on the architecture.
type Fixed interface {
	~bool | ~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// --------------------------------------------------------------------------
// Stack-ordered field access
// --------------------------------------------------------------------------

/*
 Fields are stored like a stack: Push appends to the end of the body and Extract removes
 from the end. Values come back in reverse push order:

	Push(&m, int32(1)); Push(&m, false); Push(&m, int16(3))
	Extract[int16](&m) -> 3, Extract[bool](&m) -> false, Extract[int32](&m) -> 1

 This is the wire contract, readers must extract in exactly the reverse order.
*/

// Push appends v to the body in big-endian byte order
func Push[T Fixed](m *Message, v T) {
	m.Body, _ = binary.Append(m.Body, byteOrder, v)
	m.Sync()
}

// Extract removes the most recently pushed field of type T.
// On underflow the message is not modified.
func Extract[T Fixed](m *Message) (T, error) {
	var v T
	size := binary.Size(v)

	if len(m.Body) < size {
		return v, fmt.Errorf("extract %T (%d bytes) from %d bytes: %w", v, size, len(m.Body), ErrUnderflow)
	}

	offset := len(m.Body) - size
	if _, err := binary.Decode(m.Body[offset:], byteOrder, &v); err != nil {
		return v, err
	}

	m.Body = m.Body[:offset]
	m.Sync()
	return v, nil
}

// PushBytes appends a variable-length field: the raw bytes followed by their uint32
// length, so that ExtractBytes can read the length first from the tail.
func PushBytes(m *Message, b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("field of %d bytes: %w", len(b), ErrInvalidField)
	}
	m.Body = append(m.Body, b...)
	Push(m, uint32(len(b)))
	return nil
}

// ExtractBytes removes the most recently pushed variable-length field.
// The returned slice is a copy. On underflow the message is not modified.
func ExtractBytes(m *Message) ([]byte, error) {
	if len(m.Body) < 4 {
		return nil, fmt.Errorf("extract length prefix from %d bytes: %w", len(m.Body), ErrUnderflow)
	}

	n := byteOrder.Uint32(m.Body[len(m.Body)-4:])
	rest := len(m.Body) - 4
	if uint64(n) > uint64(rest) {
		return nil, fmt.Errorf("extract %d byte field from %d bytes: %w", n, rest, ErrUnderflow)
	}

	start := rest - int(n)
	out := make([]byte, n)
	copy(out, m.Body[start:rest])

	m.Body = m.Body[:start]
	m.Sync()
	return out, nil
}

// PushString appends a string as a variable-length field
func PushString(m *Message, s string) error {
	return PushBytes(m, []byte(s))
}

// ExtractString removes the most recently pushed string field
func ExtractString(m *Message) (string, error) {
	b, err := ExtractBytes(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
