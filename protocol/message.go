// Package protocol implements the message model of the xrootd wire protocol:
// length-prefixed request/response frames, the request builders, and typed
// views over response bodies. Frames are kept in network byte order at all
// times; accessors decode on the fly.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message is a length-prefixed byte buffer plus the bookkeeping needed to
// assemble it incrementally from a non-blocking socket: a cursor, a session
// id tag used to reject stale replies after a session restart, and a
// human-readable description.
type Message struct {
	data      []byte
	cursor    int
	sessionID uint64
	desc      string
}

func NewMessage(size int) *Message {
	return &Message{data: make([]byte, size)}
}

func NewMessageFrom(data []byte) *Message {
	return &Message{data: data}
}

func (m *Message) Bytes() []byte { return m.data }

func (m *Message) Size() int { return len(m.data) }

// Buffer returns the message bytes starting at offset.
func (m *Message) Buffer(offset int) []byte { return m.data[offset:] }

// ReAllocate resizes the buffer to size, preserving content up to the
// smaller of old and new size.
func (m *Message) ReAllocate(size int) {
	if size <= cap(m.data) {
		m.data = m.data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
}

// Append grows the buffer by the given bytes.
func (m *Message) Append(p []byte) {
	m.data = append(m.data, p...)
}

func (m *Message) Cursor() int { return m.cursor }

func (m *Message) AdvanceCursor(n int) { m.cursor += n }

func (m *Message) ResetCursor() { m.cursor = 0 }

// BufferAtCursor returns the not-yet-filled tail of the buffer.
func (m *Message) BufferAtCursor() []byte { return m.data[m.cursor:] }

func (m *Message) SessionID() uint64       { return m.sessionID }
func (m *Message) SetSessionID(sid uint64) { m.sessionID = sid }

func (m *Message) Description() string { return m.desc }

func (m *Message) SetDescription(desc string) { m.desc = desc }

// StreamID returns the two-byte stream id at offset 0. The stream id is an
// opaque token; it has no byte order.
func (m *Message) StreamID() [2]byte {
	var sid [2]byte
	copy(sid[:], m.data[0:2])
	return sid
}

func (m *Message) SetStreamID(sid [2]byte) {
	copy(m.data[0:2], sid[:])
}

// RequestID decodes the request id of a request frame.
func (m *Message) RequestID() uint16 {
	return binary.BigEndian.Uint16(m.data[2:4])
}

// RequestDataLen decodes the payload length of a request frame.
func (m *Message) RequestDataLen() uint32 {
	return binary.BigEndian.Uint32(m.data[20:24])
}

func (m *Message) setRequestDataLen(n uint32) {
	binary.BigEndian.PutUint32(m.data[20:24], n)
}

// RequestPayload returns the payload of a request frame.
func (m *Message) RequestPayload() []byte {
	return m.data[RequestHeaderSize:]
}

// ResponseStatus decodes the status code of a response frame.
func (m *Message) ResponseStatus() uint16 {
	return binary.BigEndian.Uint16(m.data[2:4])
}

// ResponseDataLen decodes the body length of a response frame.
func (m *Message) ResponseDataLen() uint32 {
	return binary.BigEndian.Uint32(m.data[4:8])
}

// ResponseBody returns the body of a response frame.
func (m *Message) ResponseBody() []byte {
	return m.data[ResponseHeaderSize:]
}

// IsResponse reports whether the message is large enough to carry a response
// header.
func (m *Message) IsResponse() bool {
	return len(m.data) >= ResponseHeaderSize
}

func (m *Message) String() string {
	if m.desc != "" {
		return m.desc
	}
	return fmt.Sprintf("message of %d bytes", len(m.data))
}
