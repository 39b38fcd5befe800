package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaderLayout(t *testing.T) {
	m := NewLocate("/store/data", 0)
	m.SetStreamID([2]byte{1, 2})

	data := m.Bytes()
	require.True(t, len(data) >= RequestHeaderSize)
	// stream-id [2]
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, byte(2), data[1])
	// request-id [2], network byte order
	assert.Equal(t, ReqLocate, binary.BigEndian.Uint16(data[2:4]))
	// data-length [4] at offset 20
	assert.Equal(t, uint32(len("/store/data")), binary.BigEndian.Uint32(data[20:24]))
	// payload at offset 24
	assert.Equal(t, "/store/data", string(data[24:]))
}

func TestPingHasEmptyPayload(t *testing.T) {
	m := NewPing()
	assert.Equal(t, RequestHeaderSize, m.Size())
	assert.Equal(t, uint32(0), m.RequestDataLen())
	assert.Equal(t, ReqPing, m.RequestID())
}

func TestAppendCGIFreshKey(t *testing.T) {
	m := NewLocate("/store/data", 0)
	AppendCGI(m, map[string]string{"tried": "host1"}, false)
	assert.Equal(t, "/store/data?tried=host1", string(m.RequestPayload()))
	assert.Equal(t, uint32(len(m.RequestPayload())), m.RequestDataLen())
}

func TestAppendCGIAccumulates(t *testing.T) {
	m := NewLocate("/store/data", 0)
	AppendCGI(m, map[string]string{"tried": "host1"}, false)
	AppendCGI(m, map[string]string{"tried": "host2"}, false)
	assert.Equal(t, "/store/data?tried=host1,host2", string(m.RequestPayload()))
}

func TestAppendCGIReplace(t *testing.T) {
	m := NewOpen("/f", 0, OpenRead)
	AppendCGI(m, map[string]string{"xrdcl.requuid": "a"}, false)
	AppendCGI(m, map[string]string{"xrdcl.requuid": "b"}, true)
	assert.Equal(t, "/f?xrdcl.requuid=b", string(m.RequestPayload()))
}

func TestAppendCGIKeepsExistingKeys(t *testing.T) {
	m := NewLocate("/store/data?foo=bar", 0)
	AppendCGI(m, map[string]string{"tried": "h"}, false)
	assert.Equal(t, "/store/data?foo=bar&tried=h", string(m.RequestPayload()))
}

func TestAppendCGIIgnoresNonPathRequests(t *testing.T) {
	m := NewPing()
	AppendCGI(m, map[string]string{"tried": "h"}, false)
	assert.Equal(t, RequestHeaderSize, m.Size())
}

func TestSetRefreshFlag(t *testing.T) {
	m := NewLocate("/x", OpenRefresh)
	assert.Equal(t, OpenRefresh, binary.BigEndian.Uint16(m.Bytes()[4:6]))

	SetRefreshFlag(m, false)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(m.Bytes()[4:6]))

	SetRefreshFlag(m, true)
	assert.Equal(t, OpenRefresh, binary.BigEndian.Uint16(m.Bytes()[4:6]))

	o := NewOpen("/x", 0, OpenRead)
	SetRefreshFlag(o, true)
	assert.Equal(t, OpenRead|OpenRefresh, binary.BigEndian.Uint16(o.Bytes()[6:8]))

	// other kinds are untouched
	p := NewPing()
	before := append([]byte(nil), p.Bytes()...)
	SetRefreshFlag(p, true)
	assert.Equal(t, before, p.Bytes())
}

func TestVectorReadLayout(t *testing.T) {
	chunks := []Chunk{
		{Offset: 0, Length: 1 << 20},
		{Offset: 10 << 20, Length: 1 << 20},
	}
	m := NewVectorRead([4]byte{9, 9, 9, 9}, chunks)
	payload := m.RequestPayload()
	require.Equal(t, 2*ReadVEntrySize, len(payload))

	assert.Equal(t, []byte{9, 9, 9, 9}, payload[0:4])
	assert.Equal(t, uint32(1<<20), binary.BigEndian.Uint32(payload[4:8]))
	assert.Equal(t, uint64(0), binary.BigEndian.Uint64(payload[8:16]))
	assert.Equal(t, uint64(10<<20), binary.BigEndian.Uint64(payload[24:32]))
}
