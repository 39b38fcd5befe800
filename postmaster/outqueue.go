package postmaster

import (
	"sync"
	"time"

	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
)

// OutItem is one queued outbound message together with everything needed to
// report its fate: the status handler, the absolute expiry deadline, and
// whether the item is bound to the current session.
type OutItem struct {
	Msg      *protocol.Message
	Handler  OutgoingStatusHandler
	Expires  time.Time
	Stateful bool
}

// Report fires the status handler, if any.
func (i *OutItem) Report(st status.Status) {
	if i.Handler != nil {
		i.Handler.HandleStatus(i.Msg, st)
	}
}

// OutQueue is the double-ended queue of outbound items of one substream.
type OutQueue struct {
	mtx   sync.Mutex
	items []*OutItem
}

func NewOutQueue() *OutQueue {
	return &OutQueue{}
}

func (q *OutQueue) PushBack(item *OutItem) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.items = append(q.items, item)
}

// PushFront re-inserts an item at the head, used when a write was
// interrupted and must be reattempted after reconnection.
func (q *OutQueue) PushFront(item *OutItem) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.items = append([]*OutItem{item}, q.items...)
}

// PopFront removes and returns the head item, nil if the queue is empty.
func (q *OutQueue) PopFront() *OutItem {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *OutQueue) IsEmpty() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items) == 0
}

func (q *OutQueue) Size() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}

// SizeStateless counts the items that may be replayed on a fresh session.
func (q *OutQueue) SizeStateless() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	n := 0
	for _, i := range q.items {
		if !i.Stateful {
			n++
		}
	}
	return n
}

// GrabItems moves the entire content of other to the back of q. Used to
// migrate work from a failed substream to substream 0.
func (q *OutQueue) GrabItems(other *OutQueue) {
	other.mtx.Lock()
	grabbed := other.items
	other.items = nil
	other.mtx.Unlock()

	q.mtx.Lock()
	q.items = append(q.items, grabbed...)
	q.mtx.Unlock()
}

// GrabStateful moves only the session-bound items of other to q; stateless
// items stay behind for replay.
func (q *OutQueue) GrabStateful(other *OutQueue) {
	other.mtx.Lock()
	var stateful, stateless []*OutItem
	for _, i := range other.items {
		if i.Stateful {
			stateful = append(stateful, i)
		} else {
			stateless = append(stateless, i)
		}
	}
	other.items = stateless
	other.mtx.Unlock()

	q.mtx.Lock()
	q.items = append(q.items, stateful...)
	q.mtx.Unlock()
}

// GrabExpired moves the items of other whose deadline passed at now to q.
func (q *OutQueue) GrabExpired(other *OutQueue, now time.Time) {
	other.mtx.Lock()
	var expired, live []*OutItem
	for _, i := range other.items {
		if !i.Expires.IsZero() && now.After(i.Expires) {
			expired = append(expired, i)
		} else {
			live = append(live, i)
		}
	}
	other.items = live
	other.mtx.Unlock()

	q.mtx.Lock()
	q.items = append(q.items, expired...)
	q.mtx.Unlock()
}

// Report fires the given status for every item and empties the queue.
func (q *OutQueue) Report(st status.Status) {
	q.mtx.Lock()
	items := q.items
	q.items = nil
	q.mtx.Unlock()

	for _, i := range items {
		i.Report(st)
	}
}
