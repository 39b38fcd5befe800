// Package chainlock implements a mutex whose Lock and Unlock methods return
// the lock itself, to enable chaining.
//
// The stream, poller and task manager code uses it for the
//
//	defer s.mtx.Lock().Unlock()
//
// pattern, and for dropping the lock around user callbacks:
//
//	s.mtx.DropWhile(func() {
//	    handler.HandleStatus(msg, st)
//	})
package chainlock

import "sync"

type L struct {
	mtx sync.Mutex
}

func New() *L {
	return &L{}
}

func (l *L) Lock() *L {
	l.mtx.Lock()
	return l
}

func (l *L) Unlock() *L {
	l.mtx.Unlock()
	return l
}

func (l *L) NewCond() *sync.Cond {
	return sync.NewCond(&l.mtx)
}

// DropWhile runs f with the lock released. The caller must hold the lock.
func (l *L) DropWhile(f func()) {
	defer l.Unlock().Lock()
	f()
}

// HoldWhile runs f with the lock held. The caller must not hold the lock.
func (l *L) HoldWhile(f func()) {
	defer l.Lock().Unlock()
	f()
}
