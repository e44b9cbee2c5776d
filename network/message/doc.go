// Package message defines the unit of transfer of msgnet and its wire format.
//
// A Message is a fixed-size Header (one byte type tag, uint32 body length) followed by an
// opaque body. The wire format is pinned and independent of the platform:
//
//	[type:1][bodyLength:4 big endian][body:bodyLength]
//
// Bodies are built with stack semantics. Push appends a fixed-width value, Extract
// removes the most recently pushed value, so fields are read back in reverse order.
// Extracting more bytes than the body holds fails with ErrUnderflow and leaves the
// message untouched. Variable-length data is supported through PushBytes/PushString,
// which append the data followed by its length.
//
// Key Components:
//
//   - Message, Header, MessageType: the data model, including the type tags used by the
//     bundled account handlers.
//
//   - Push, Extract, PushBytes, ExtractBytes, PushString, ExtractString: stack-ordered
//     field serialization.
//
//   - ReadHeader, WriteHeader, ReadFrame, WriteFrame: framing helpers used by the
//     connection pumps and by tests that talk to a peer directly.
package message
