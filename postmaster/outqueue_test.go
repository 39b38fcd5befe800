package postmaster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
)

type recordingStatusHandler struct {
	statuses []status.Status
}

func (h *recordingStatusHandler) HandleStatus(msg *protocol.Message, st status.Status) {
	h.statuses = append(h.statuses, st)
}

func item(h OutgoingStatusHandler, stateful bool, expires time.Time) *OutItem {
	return &OutItem{
		Msg:      protocol.NewPing(),
		Handler:  h,
		Expires:  expires,
		Stateful: stateful,
	}
}

func TestOutQueueOrder(t *testing.T) {
	q := NewOutQueue()
	a, b := item(nil, false, time.Time{}), item(nil, false, time.Time{})
	q.PushBack(a)
	q.PushBack(b)
	assert.Equal(t, a, q.PopFront())

	c := item(nil, false, time.Time{})
	q.PushFront(c)
	assert.Equal(t, c, q.PopFront())
	assert.Equal(t, b, q.PopFront())
	assert.Nil(t, q.PopFront())
	assert.True(t, q.IsEmpty())
}

func TestGrabItems(t *testing.T) {
	from, to := NewOutQueue(), NewOutQueue()
	from.PushBack(item(nil, false, time.Time{}))
	from.PushBack(item(nil, true, time.Time{}))

	to.GrabItems(from)
	assert.True(t, from.IsEmpty())
	assert.Equal(t, 2, to.Size())
}

func TestGrabStatefulPartitions(t *testing.T) {
	from, to := NewOutQueue(), NewOutQueue()
	from.PushBack(item(nil, true, time.Time{}))
	from.PushBack(item(nil, false, time.Time{}))
	from.PushBack(item(nil, true, time.Time{}))

	to.GrabStateful(from)
	assert.Equal(t, 2, to.Size())
	assert.Equal(t, 1, from.Size())
	assert.Equal(t, 1, from.SizeStateless())
}

func TestGrabExpired(t *testing.T) {
	now := time.Now()
	from, to := NewOutQueue(), NewOutQueue()
	from.PushBack(item(nil, false, now.Add(-time.Second)))
	from.PushBack(item(nil, false, now.Add(time.Hour)))
	from.PushBack(item(nil, false, time.Time{})) // no deadline, never expires

	to.GrabExpired(from, now)
	assert.Equal(t, 1, to.Size())
	assert.Equal(t, 2, from.Size())
}

func TestReportFiresEveryHandlerOnce(t *testing.T) {
	q := NewOutQueue()
	h := &recordingStatusHandler{}
	for i := 0; i < 3; i++ {
		q.PushBack(item(h, i%2 == 0, time.Time{}))
	}

	st := status.New(status.SevFatal, status.ErrStreamDisconnect)
	q.Report(st)
	require.Len(t, h.statuses, 3)
	for _, got := range h.statuses {
		assert.Equal(t, st, got)
	}
	assert.True(t, q.IsEmpty())

	// reporting an empty queue is a no-op
	q.Report(st)
	assert.Len(t, h.statuses, 3)
}
