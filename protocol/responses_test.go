package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildResponse assembles a response frame for the given stream id, status
// code, and body.
func buildResponse(sid [2]byte, statusCode uint16, body []byte) *Message {
	m := NewMessage(ResponseHeaderSize + len(body))
	data := m.Bytes()
	copy(data[0:2], sid[:])
	binary.BigEndian.PutUint16(data[2:4], statusCode)
	binary.BigEndian.PutUint32(data[4:8], uint32(len(body)))
	copy(data[ResponseHeaderSize:], body)
	return m
}

func TestDecodeError(t *testing.T) {
	body := make([]byte, 4+len("not found"))
	binary.BigEndian.PutUint32(body[0:4], uint32(ErrNotFound))
	copy(body[4:], "not found")
	m := buildResponse([2]byte{1, 0}, StatusError, body)

	eb, err := DecodeError(m)
	require.NoError(t, err)
	assert.Equal(t, ErrNotFound, eb.Errnum)
	assert.Equal(t, "not found", eb.Errmsg)

	_, err = DecodeError(buildResponse([2]byte{1, 0}, StatusError, []byte{1}))
	assert.Error(t, err)
}

func TestDecodeRedirect(t *testing.T) {
	body := make([]byte, 4+len("b.example.org?tried="))
	binary.BigEndian.PutUint32(body[0:4], 1094)
	copy(body[4:], "b.example.org?tried=")
	m := buildResponse([2]byte{1, 0}, StatusRedirect, body)

	rb, err := DecodeRedirect(m)
	require.NoError(t, err)
	assert.Equal(t, int32(1094), rb.Port)
	assert.Equal(t, "b.example.org", rb.Host)
	assert.Equal(t, "tried=", rb.CGI)
}

func TestDecodeWait(t *testing.T) {
	body := make([]byte, 4+len("busy"))
	binary.BigEndian.PutUint32(body[0:4], 2)
	copy(body[4:], "busy")
	m := buildResponse([2]byte{1, 0}, StatusWait, body)

	wb, err := DecodeWait(m)
	require.NoError(t, err)
	assert.Equal(t, int32(2), wb.Seconds)
	assert.Equal(t, "busy", wb.InfoMsg)
}

func TestExtractEmbedded(t *testing.T) {
	inner := buildResponse([2]byte{7, 3}, StatusOK, []byte("payload"))

	attnBody := make([]byte, 8+inner.Size())
	binary.BigEndian.PutUint32(attnBody[0:4], uint32(AttnAsynResp))
	copy(attnBody[8:], inner.Bytes())
	outer := buildResponse([2]byte{0, 0}, StatusAttn, attnBody)
	outer.SetSessionID(42)

	code, err := AttnActionCode(outer)
	require.NoError(t, err)
	assert.Equal(t, AttnAsynResp, code)

	embedded, err := ExtractEmbedded(outer)
	require.NoError(t, err)
	assert.Equal(t, [2]byte{7, 3}, embedded.StreamID())
	assert.Equal(t, StatusOK, embedded.ResponseStatus())
	assert.Equal(t, "payload", string(embedded.ResponseBody()))
	assert.Equal(t, uint64(42), embedded.SessionID())

	// truncated attn frame
	_, err = ExtractEmbedded(buildResponse([2]byte{0, 0}, StatusAttn, make([]byte, 8)))
	assert.Error(t, err)
}

func TestMessageReAllocatePreservesContent(t *testing.T) {
	m := NewMessage(0)
	m.ReAllocate(8)
	copy(m.Bytes(), "abcdefgh")
	m.AdvanceCursor(8)
	m.ReAllocate(16)
	assert.Equal(t, "abcdefgh", string(m.Bytes()[:8]))
	assert.Equal(t, 8, m.Cursor())
	assert.Equal(t, 16, m.Size())
}
