package message

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

// HeaderSize is the number of header bytes on the wire
const HeaderSize = 5

// ErrBodyTooLarge is returned when a body exceeds the configured limit or the 4 GiB the
// length field can carry
var ErrBodyTooLarge = errors.New("message body too large")

// --------------------------------------------------------------------------
// Header encoding
// --------------------------------------------------------------------------

/*
 Frame layout (fixed on every platform):

	[0]    type        1 byte
	[1:5]  bodyLength  uint32, big endian
	[5:]   body        bodyLength bytes

 A bodyLength of 0 is a header-only message without a body phase.
*/

// EncodeHeader returns the wire representation of h
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = byte(h.Type)
	byteOrder.PutUint32(b[1:], h.BodyLength)
	return b
}

// DecodeHeader parses a wire header
func DecodeHeader(b [HeaderSize]byte) Header {
	return Header{
		Type:       MessageType(b[0]),
		BodyLength: byteOrder.Uint32(b[1:]),
	}
}

// WriteHeader writes exactly HeaderSize bytes
func WriteHeader(w io.Writer, h Header) error {
	b := EncodeHeader(h)
	_, err := w.Write(b[:])
	return err
}

// ReadHeader reads exactly HeaderSize bytes
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(b), nil
}

// --------------------------------------------------------------------------
// Whole frames
// --------------------------------------------------------------------------

// WriteFrame writes header and body with a single vectored write.
// BodyLength is taken from the body, so a stale header can never reach the wire.
func WriteFrame(w io.Writer, m Message) error {
	if err := CheckOutbound(m, 0); err != nil {
		return err
	}
	m.Sync()
	header := EncodeHeader(m.Header)

	b := net.Buffers{header[:]}
	if len(m.Body) > 0 {
		b = append(b, m.Body)
	}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads one frame. maxBody limits the accepted body length, 0 disables the
// limit. Oversized frames are rejected before any body byte is read.
func ReadFrame(r io.Reader, maxBody uint32) (Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Message{}, err
	}

	if err := CheckBodyLength(h, maxBody); err != nil {
		return Message{}, err
	}
	return ReadBody(r, h)
}

// ReadBody reads the body announced by h. Header-only frames read nothing.
func ReadBody(r io.Reader, h Header) (Message, error) {
	m := Message{Header: h}
	if h.BodyLength == 0 {
		return m, nil
	}

	m.Body = make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, m.Body); err != nil {
		return Message{}, err
	}
	return m, nil
}

// CheckBodyLength validates the announced body length against maxBody (0 = unlimited)
func CheckBodyLength(h Header, maxBody uint32) error {
	if maxBody > 0 && h.BodyLength > maxBody {
		return fmt.Errorf("%s announces %d bytes (limit %d): %w", h.Type, h.BodyLength, maxBody, ErrBodyTooLarge)
	}
	return nil
}

// CheckOutbound validates the body of a message about to be sent against maxBody
// (0 = unlimited) and against the range of the length field
func CheckOutbound(m Message, maxBody uint32) error {
	if uint64(len(m.Body)) > math.MaxUint32 {
		return fmt.Errorf("%s body of %d bytes: %w", m.Header.Type, len(m.Body), ErrBodyTooLarge)
	}
	if maxBody > 0 && uint32(len(m.Body)) > maxBody {
		return fmt.Errorf("%s body of %d bytes (limit %d): %w", m.Header.Type, len(m.Body), maxBody, ErrBodyTooLarge)
	}
	return nil
}
