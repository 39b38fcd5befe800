package poller

import (
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/xrdclient/xrdclient/status"
)

// Socket wraps a non-blocking TCP file descriptor. All I/O returns
// status.SuRetry when the operation would block; the poller reports when it
// is worth trying again.
type Socket struct {
	fd     int32 // -1 when closed
	name   string
	ip     net.IP
	port   int
}

func NewSocket() *Socket {
	return &Socket{fd: -1, name: "<unconnected>"}
}

// Connect initiates a non-blocking connect to ip:port. On return the socket
// is usually still connecting; write readiness signals completion, to be
// confirmed with FinishConnect.
func (s *Socket) Connect(ip net.IP, port int) status.Status {
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return status.NewErrno(status.SevError, status.ErrSocketError, int32(err.(unix.Errno)))
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return status.NewErrno(status.SevError, status.ErrConnectionError, int32(err.(unix.Errno)))
	}

	atomic.StoreInt32(&s.fd, int32(fd))
	s.ip = ip
	s.port = port
	s.name = fmt.Sprintf("%s:%d fd:%d", ip.String(), port, fd)
	return status.OK()
}

// FinishConnect checks the outcome of a non-blocking connect once the
// poller reports write readiness.
func (s *Socket) FinishConnect() status.Status {
	fd := s.FD()
	if fd < 0 {
		return status.New(status.SevError, status.ErrSocketDisconnected)
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return status.NewErrno(status.SevError, status.ErrSocketError, int32(err.(unix.Errno)))
	}
	if soerr != 0 {
		return status.NewErrno(status.SevError, status.ErrConnectionError, int32(soerr))
	}
	return status.OK()
}

// Read reads into p. SuRetry means the socket has no data right now.
func (s *Socket) Read(p []byte) (int, status.Status) {
	fd := s.FD()
	if fd < 0 {
		return 0, status.New(status.SevError, status.ErrSocketDisconnected)
	}
	n, err := unix.Read(fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, status.New(status.SevOK, status.SuRetry)
	}
	if err != nil {
		return 0, status.NewErrno(status.SevError, status.ErrSocketError, int32(err.(unix.Errno)))
	}
	if n == 0 {
		return 0, status.New(status.SevError, status.ErrSocketDisconnected)
	}
	return n, status.OK()
}

// Write writes from p. SuRetry means the kernel buffer is full; n reports
// how much was taken.
func (s *Socket) Write(p []byte) (int, status.Status) {
	fd := s.FD()
	if fd < 0 {
		return 0, status.New(status.SevError, status.ErrSocketDisconnected)
	}
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, status.New(status.SevOK, status.SuRetry)
	}
	if err != nil {
		return 0, status.NewErrno(status.SevError, status.ErrSocketError, int32(err.(unix.Errno)))
	}
	return n, status.OK()
}

func (s *Socket) Close() {
	fd := atomic.SwapInt32(&s.fd, -1)
	if fd >= 0 {
		unix.Close(int(fd))
	}
}

func (s *Socket) FD() int {
	return int(atomic.LoadInt32(&s.fd))
}

func (s *Socket) Name() string { return s.name }

func (s *Socket) SetName(name string) { s.name = name }

// FromFD adopts an existing descriptor, switching it to non-blocking mode.
// Used by tests to drive socketpairs through the poller.
func FromFD(fd int, name string) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &Socket{fd: int32(fd), name: name}, nil
}
