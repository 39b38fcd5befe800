package postmaster

import (
	"sync"

	"github.com/xrdclient/xrdclient/status"
)

// channelEventHandlerList fans channel lifecycle events out to registered
// handlers. A handler returning false is removed after the call.
type channelEventHandlerList struct {
	mtx      sync.Mutex
	handlers []ChannelEventHandler
}

func newChannelEventHandlerList() *channelEventHandlerList {
	return &channelEventHandlerList{}
}

func (l *channelEventHandlerList) AddHandler(handler ChannelEventHandler) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.handlers = append(l.handlers, handler)
}

func (l *channelEventHandlerList) RemoveHandler(handler ChannelEventHandler) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	kept := l.handlers[:0]
	for _, h := range l.handlers {
		if h != handler {
			kept = append(kept, h)
		}
	}
	l.handlers = kept
}

func (l *channelEventHandlerList) ReportEvent(ev ChannelEvent, streamNum uint16, st status.Status) {
	l.mtx.Lock()
	handlers := make([]ChannelEventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mtx.Unlock()

	for _, h := range handlers {
		if !h.HandleChannelEvent(ev, streamNum, st) {
			l.RemoveHandler(h)
		}
	}
}
