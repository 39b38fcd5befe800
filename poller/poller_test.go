package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xrdclient/xrdclient/logger"
)

type collectingListener struct {
	mtx    sync.Mutex
	events []EventType
	notify chan EventType
}

func newCollectingListener() *collectingListener {
	return &collectingListener{notify: make(chan EventType, 16)}
}

func (l *collectingListener) Event(ev EventType, sock *Socket) {
	l.mtx.Lock()
	l.events = append(l.events, ev)
	l.mtx.Unlock()
	select {
	case l.notify <- ev:
	default:
	}
}

func (l *collectingListener) waitFor(t *testing.T, want EventType, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-l.notify:
			if ev&want != 0 {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", want, timeout)
		}
	}
}

func socketpair(t *testing.T) (*Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	sock, err := FromFD(fds[0], "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		sock.Close()
		unix.Close(fds[1])
	})
	return sock, fds[1]
}

func startPoller(t *testing.T) Poller {
	t.Helper()
	p := New(logger.NewNullLogger())
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestReadNotification(t *testing.T) {
	p := startPoller(t)
	sock, peer := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	assert.True(t, p.IsRegistered(sock))
	require.NoError(t, p.EnableReadNotification(sock, true, 0))

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	l.waitFor(t, ReadyToRead, 5*time.Second)
}

func TestDisabledReadDeliversNothing(t *testing.T) {
	p := startPoller(t)
	sock, peer := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	// read notifications never enabled
	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	assert.Empty(t, l.events)
}

func TestWriteNotification(t *testing.T) {
	p := startPoller(t)
	sock, _ := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	require.NoError(t, p.EnableWriteNotification(sock, true, 0))
	// an idle socketpair is immediately writable
	l.waitFor(t, ReadyToWrite, 5*time.Second)
}

func TestReadTimeoutFires(t *testing.T) {
	p := startPoller(t)
	sock, _ := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	require.NoError(t, p.EnableReadNotification(sock, true, 200*time.Millisecond))
	// nobody writes: a ReadTimeout must fire
	l.waitFor(t, ReadTimeout, 5*time.Second)
}

func TestRemoveSocketStopsDelivery(t *testing.T) {
	p := startPoller(t)
	sock, peer := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	require.NoError(t, p.EnableReadNotification(sock, true, 0))
	p.RemoveSocket(sock)
	assert.False(t, p.IsRegistered(sock))

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	assert.Empty(t, l.events)
}

func TestAddSocketTwiceFails(t *testing.T) {
	p := startPoller(t)
	sock, _ := socketpair(t)
	l := newCollectingListener()

	require.NoError(t, p.AddSocket(sock, l))
	assert.Error(t, p.AddSocket(sock, l))
}
