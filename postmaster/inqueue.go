package postmaster

import (
	"sync"
	"time"

	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
)

type handlerAndExpiry struct {
	handler MessageHandler
	expires time.Time
}

// InQueue correlates inbound frames with installed handlers. Frames nobody
// takes are held for handlers installed later.
type InQueue struct {
	mtx      sync.Mutex
	handlers []handlerAndExpiry
	messages []*protocol.Message
}

func NewInQueue() *InQueue {
	return &InQueue{}
}

// AddMessage offers the frame to the installed handlers in insertion order
// until one takes it; otherwise the frame is parked in the queue.
func (q *InQueue) AddMessage(msg *protocol.Message) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	taken := false
	kept := q.handlers[:0]
	for i, he := range q.handlers {
		if taken {
			kept = append(kept, he)
			continue
		}
		action := he.handler.HandleMessage(msg)
		if action&RemoveHandler == 0 {
			kept = append(kept, he)
		}
		if action&Take != 0 {
			taken = true
			kept = append(kept, q.handlers[i+1:]...)
			break
		}
	}
	q.handlers = kept

	if !taken {
		q.messages = append(q.messages, msg)
	}
}

// AddMessageHandler installs a handler; parked frames are offered to it
// first.
func (q *InQueue) AddMessageHandler(handler MessageHandler, expires time.Time) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var action HandlerAction
	kept := q.messages[:0]
	for i, msg := range q.messages {
		action = handler.HandleMessage(msg)
		if action&Take == 0 {
			kept = append(kept, msg)
		}
		if action&RemoveHandler != 0 {
			kept = append(kept, q.messages[i+1:]...)
			break
		}
	}
	q.messages = kept

	if action&RemoveHandler == 0 {
		q.handlers = append(q.handlers, handlerAndExpiry{handler, expires})
	}
}

func (q *InQueue) RemoveMessageHandler(handler MessageHandler) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	kept := q.handlers[:0]
	for _, he := range q.handlers {
		if he.handler != handler {
			kept = append(kept, he)
		}
	}
	q.handlers = kept
}

// ReportStreamEvent forwards a channel-level condition to every installed
// handler; handlers answering with RemoveHandler are uninstalled.
func (q *InQueue) ReportStreamEvent(ev StreamEvent, streamNum uint16, st status.Status) {
	q.mtx.Lock()
	handlers := make([]handlerAndExpiry, len(q.handlers))
	copy(handlers, q.handlers)
	q.mtx.Unlock()

	var remove []MessageHandler
	for _, he := range handlers {
		if he.handler.HandleStreamEvent(ev, streamNum, st)&RemoveHandler != 0 {
			remove = append(remove, he.handler)
		}
	}
	for _, h := range remove {
		q.RemoveMessageHandler(h)
	}
}

// ReportTimeout expires handlers whose deadline passed.
func (q *InQueue) ReportTimeout(now time.Time) {
	q.mtx.Lock()
	var expired []handlerAndExpiry
	kept := q.handlers[:0]
	for _, he := range q.handlers {
		if !he.expires.IsZero() && now.After(he.expires) {
			expired = append(expired, he)
		} else {
			kept = append(kept, he)
		}
	}
	q.handlers = kept
	q.mtx.Unlock()

	st := status.New(status.SevError, status.ErrOperationExpired)
	for _, he := range expired {
		he.handler.HandleStreamEvent(StreamTimeout, 0, st)
	}
}

// HandlerCount reports the number of installed handlers.
func (q *InQueue) HandlerCount() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.handlers)
}

// MessageCount reports the number of parked frames.
func (q *InQueue) MessageCount() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.messages)
}
