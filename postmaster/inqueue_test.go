package postmaster

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
)

// sidHandler takes frames with a matching stream id, mirroring how request
// handlers match replies.
type sidHandler struct {
	sid     [2]byte
	keep    bool // keep the handler installed after taking
	taken   []*protocol.Message
	events  []StreamEvent
	eventSt []status.Status
}

func (h *sidHandler) HandleMessage(msg *protocol.Message) HandlerAction {
	if msg.StreamID() != h.sid {
		return Ignore
	}
	h.taken = append(h.taken, msg)
	if h.keep {
		return Take
	}
	return Take | RemoveHandler
}

func (h *sidHandler) HandleStreamEvent(ev StreamEvent, streamNum uint16, st status.Status) HandlerAction {
	h.events = append(h.events, ev)
	h.eventSt = append(h.eventSt, st)
	return RemoveHandler
}

func respWithSID(sid [2]byte) *protocol.Message {
	m := protocol.NewMessage(protocol.ResponseHeaderSize)
	data := m.Bytes()
	copy(data[0:2], sid[:])
	binary.BigEndian.PutUint16(data[2:4], protocol.StatusOK)
	return m
}

func TestHandlersOfferedInOrder(t *testing.T) {
	q := NewInQueue()
	first := &sidHandler{sid: [2]byte{1, 0}}
	second := &sidHandler{sid: [2]byte{1, 0}}
	q.AddMessageHandler(first, time.Time{})
	q.AddMessageHandler(second, time.Time{})

	q.AddMessage(respWithSID([2]byte{1, 0}))
	require.Len(t, first.taken, 1)
	assert.Empty(t, second.taken)

	// first took and removed itself, second is next in line
	q.AddMessage(respWithSID([2]byte{1, 0}))
	require.Len(t, second.taken, 1)
	assert.Equal(t, 0, q.HandlerCount())
}

func TestUnmatchedFramesParkUntilHandlerArrives(t *testing.T) {
	q := NewInQueue()
	q.AddMessage(respWithSID([2]byte{7, 0}))
	assert.Equal(t, 1, q.MessageCount())

	h := &sidHandler{sid: [2]byte{7, 0}}
	q.AddMessageHandler(h, time.Time{})
	require.Len(t, h.taken, 1)
	assert.Equal(t, 0, q.MessageCount())
	// handler answered Take|RemoveHandler on the parked frame: not installed
	assert.Equal(t, 0, q.HandlerCount())
}

func TestHandlerStaysWhenKeeping(t *testing.T) {
	q := NewInQueue()
	h := &sidHandler{sid: [2]byte{3, 0}, keep: true}
	q.AddMessageHandler(h, time.Time{})

	q.AddMessage(respWithSID([2]byte{3, 0}))
	q.AddMessage(respWithSID([2]byte{3, 0}))
	assert.Len(t, h.taken, 2)
	assert.Equal(t, 1, q.HandlerCount())
}

func TestRemoveMessageHandler(t *testing.T) {
	q := NewInQueue()
	h := &sidHandler{sid: [2]byte{1, 0}}
	q.AddMessageHandler(h, time.Time{})
	q.RemoveMessageHandler(h)
	assert.Equal(t, 0, q.HandlerCount())

	q.AddMessage(respWithSID([2]byte{1, 0}))
	assert.Empty(t, h.taken)
}

func TestReportStreamEvent(t *testing.T) {
	q := NewInQueue()
	h := &sidHandler{sid: [2]byte{1, 0}}
	q.AddMessageHandler(h, time.Time{})

	st := status.New(status.SevError, status.ErrStreamDisconnect)
	q.ReportStreamEvent(StreamBroken, 0, st)
	require.Len(t, h.events, 1)
	assert.Equal(t, StreamBroken, h.events[0])
	assert.Equal(t, st, h.eventSt[0])
	// handler asked for removal
	assert.Equal(t, 0, q.HandlerCount())
}

func TestReportTimeoutExpiresOnlyOverdueHandlers(t *testing.T) {
	q := NewInQueue()
	now := time.Now()
	overdue := &sidHandler{sid: [2]byte{1, 0}}
	live := &sidHandler{sid: [2]byte{2, 0}}
	q.AddMessageHandler(overdue, now.Add(-time.Second))
	q.AddMessageHandler(live, now.Add(time.Hour))

	q.ReportTimeout(now)
	require.Len(t, overdue.events, 1)
	assert.Equal(t, StreamTimeout, overdue.events[0])
	assert.Equal(t, status.ErrOperationExpired, overdue.eventSt[0].Code)
	assert.Empty(t, live.events)
	assert.Equal(t, 1, q.HandlerCount())
}
