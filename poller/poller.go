// Package poller dispatches socket readiness events to listeners. It is the
// scheduling substrate of the channel layer: all wire I/O is non-blocking
// and driven from the poller's worker goroutine.
package poller

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/util/chainlock"
)

type EventType uint8

const (
	ReadyToRead EventType = 1 << iota
	ReadyToWrite
	ReadTimeout
	WriteTimeout
)

func (e EventType) String() string {
	switch e {
	case ReadyToRead:
		return "ReadyToRead"
	case ReadyToWrite:
		return "ReadyToWrite"
	case ReadTimeout:
		return "ReadTimeout"
	case WriteTimeout:
		return "WriteTimeout"
	default:
		return "Unknown"
	}
}

// SocketListener receives readiness events for one socket. Callbacks run on
// the poller worker goroutine.
type SocketListener interface {
	Event(ev EventType, sock *Socket)
}

type Poller interface {
	Start() error
	Stop() error
	AddSocket(sock *Socket, listener SocketListener) error
	RemoveSocket(sock *Socket)
	// EnableReadNotification turns delivery of ReadyToRead on or off. While
	// enabled, a ReadTimeout fires if no readiness was seen for the given
	// duration.
	EnableReadNotification(sock *Socket, enable bool, timeout time.Duration) error
	// EnableWriteNotification is the write-direction analogue.
	EnableWriteNotification(sock *Socket, enable bool, timeout time.Duration) error
	IsRegistered(sock *Socket) bool
}

type entry struct {
	sock     *Socket
	listener SocketListener

	readEnabled  bool
	writeEnabled bool

	readTimeout   time.Duration
	writeTimeout  time.Duration
	readDeadline  time.Time
	writeDeadline time.Time
}

// epollPoller implements Poller on epoll(7), one worker goroutine, wakeup
// via a self-pipe.
type epollPoller struct {
	mtx     *chainlock.L
	epfd    int
	wakeR   int
	wakeW   int
	entries map[int]*entry
	running bool
	done    chan struct{}
	log     logger.Logger
}

func New(log logger.Logger) Poller {
	if log == nil {
		log = logger.Default()
	}
	return &epollPoller{
		mtx:     chainlock.New(),
		epfd:    -1,
		wakeR:   -1,
		wakeW:   -1,
		entries: make(map[int]*entry),
		log:     log.WithField("subsys", "poller"),
	}
}

func (p *epollPoller) Start() error {
	defer p.mtx.Lock().Unlock()
	if p.running {
		return errors.New("poller: already running")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "poller: epoll_create1")
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return errors.Wrap(err, "poller: wakeup pipe")
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipeFDs[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(pipeFDs[0]),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return errors.Wrap(err, "poller: register wakeup pipe")
	}

	p.epfd = epfd
	p.wakeR = pipeFDs[0]
	p.wakeW = pipeFDs[1]
	p.running = true
	p.done = make(chan struct{})
	go p.run()
	p.log.Debug("poller started")
	return nil
}

func (p *epollPoller) Stop() error {
	p.mtx.Lock()
	if !p.running {
		p.mtx.Unlock()
		return nil
	}
	p.running = false
	done := p.done
	p.mtx.Unlock()

	p.wake()
	<-done

	defer p.mtx.Lock().Unlock()
	unix.Close(p.wakeW)
	unix.Close(p.wakeR)
	unix.Close(p.epfd)
	p.epfd, p.wakeR, p.wakeW = -1, -1, -1
	p.log.Debug("poller stopped")
	return nil
}

func (p *epollPoller) wake() {
	var b [1]byte
	unix.Write(p.wakeW, b[:]) //nolint:errcheck // full pipe still wakes the worker
}

func (p *epollPoller) AddSocket(sock *Socket, listener SocketListener) error {
	defer p.mtx.Lock().Unlock()
	if !p.running {
		return errors.New("poller: not running")
	}
	fd := sock.FD()
	if fd < 0 {
		return errors.New("poller: socket is closed")
	}
	if _, dup := p.entries[fd]; dup {
		return errors.Errorf("poller: fd %d already registered", fd)
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: 0,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrap(err, "poller: epoll_ctl add")
	}
	p.entries[fd] = &entry{sock: sock, listener: listener}
	p.wake()
	return nil
}

func (p *epollPoller) RemoveSocket(sock *Socket) {
	defer p.mtx.Lock().Unlock()
	fd := sock.FD()
	if fd < 0 {
		// closed sockets fall out of the epoll set by themselves
		for k, e := range p.entries {
			if e.sock == sock {
				delete(p.entries, k)
			}
		}
		return
	}
	if _, ok := p.entries[fd]; !ok {
		return
	}
	delete(p.entries, fd)
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil) //nolint:errcheck
	p.wake()
}

func (p *epollPoller) EnableReadNotification(sock *Socket, enable bool, timeout time.Duration) error {
	defer p.mtx.Lock().Unlock()
	e, ok := p.entries[sock.FD()]
	if !ok {
		return errors.New("poller: socket not registered")
	}
	e.readEnabled = enable
	e.readTimeout = timeout
	if enable && timeout > 0 {
		e.readDeadline = time.Now().Add(timeout)
	} else {
		e.readDeadline = time.Time{}
	}
	if err := p.rearm(e); err != nil {
		return err
	}
	p.wake()
	return nil
}

func (p *epollPoller) EnableWriteNotification(sock *Socket, enable bool, timeout time.Duration) error {
	defer p.mtx.Lock().Unlock()
	e, ok := p.entries[sock.FD()]
	if !ok {
		return errors.New("poller: socket not registered")
	}
	e.writeEnabled = enable
	e.writeTimeout = timeout
	if enable && timeout > 0 {
		e.writeDeadline = time.Now().Add(timeout)
	} else {
		e.writeDeadline = time.Time{}
	}
	if err := p.rearm(e); err != nil {
		return err
	}
	p.wake()
	return nil
}

func (p *epollPoller) IsRegistered(sock *Socket) bool {
	defer p.mtx.Lock().Unlock()
	_, ok := p.entries[sock.FD()]
	return ok
}

// rearm updates the epoll interest set of an entry. Callers hold the mutex.
func (p *epollPoller) rearm(e *entry) error {
	var events uint32
	if e.readEnabled {
		events |= unix.EPOLLIN
	}
	if e.writeEnabled {
		events |= unix.EPOLLOUT
	}
	fd := e.sock.FD()
	if fd < 0 {
		return errors.New("poller: socket is closed")
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrap(err, "poller: epoll_ctl mod")
	}
	return nil
}

type dispatch struct {
	ev       EventType
	sock     *Socket
	listener SocketListener
}

func (p *epollPoller) run() {
	defer close(p.done)
	events := make([]unix.EpollEvent, 64)

	for {
		p.mtx.Lock()
		if !p.running {
			p.mtx.Unlock()
			return
		}
		timeoutMs := p.nextTimeoutLocked()
		epfd := p.epfd
		p.mtx.Unlock()

		n, err := unix.EpollWait(epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.log.WithError(err).Error("epoll_wait failed")
			return
		}

		now := time.Now()
		var toDispatch []dispatch

		p.mtx.Lock()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakeR {
				var buf [16]byte
				unix.Read(p.wakeR, buf[:]) //nolint:errcheck
				continue
			}
			e, ok := p.entries[fd]
			if !ok {
				continue
			}
			evs := events[i].Events
			errCond := evs&(unix.EPOLLERR|unix.EPOLLHUP) != 0
			if e.readEnabled && (evs&unix.EPOLLIN != 0 || errCond) {
				if e.readTimeout > 0 {
					e.readDeadline = now.Add(e.readTimeout)
				}
				toDispatch = append(toDispatch, dispatch{ReadyToRead, e.sock, e.listener})
			}
			if e.writeEnabled && (evs&unix.EPOLLOUT != 0 || errCond) {
				if e.writeTimeout > 0 {
					e.writeDeadline = now.Add(e.writeTimeout)
				}
				toDispatch = append(toDispatch, dispatch{ReadyToWrite, e.sock, e.listener})
			}
		}

		// deadline sweep
		for _, e := range p.entries {
			if e.readEnabled && !e.readDeadline.IsZero() && now.After(e.readDeadline) {
				e.readDeadline = now.Add(e.readTimeout)
				toDispatch = append(toDispatch, dispatch{ReadTimeout, e.sock, e.listener})
			}
			if e.writeEnabled && !e.writeDeadline.IsZero() && now.After(e.writeDeadline) {
				e.writeDeadline = now.Add(e.writeTimeout)
				toDispatch = append(toDispatch, dispatch{WriteTimeout, e.sock, e.listener})
			}
		}
		p.mtx.Unlock()

		for _, d := range toDispatch {
			d.listener.Event(d.ev, d.sock)
		}
	}
}

// nextTimeoutLocked computes the epoll_wait timeout in milliseconds: the
// nearest notification deadline, capped at one second so Stop is prompt.
func (p *epollPoller) nextTimeoutLocked() int {
	timeout := time.Second
	now := time.Now()
	for _, e := range p.entries {
		for _, dl := range []time.Time{e.readDeadline, e.writeDeadline} {
			if dl.IsZero() {
				continue
			}
			if d := dl.Sub(now); d < timeout {
				timeout = d
			}
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return int(timeout / time.Millisecond)
}
