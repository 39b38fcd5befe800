package client

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/sidmgr"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/taskman"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// fakePM emulates the post master against scripted server behavior: Send
// succeeds and reports wire status from a separate goroutine (as the poller
// thread would), Listen feeds the next scripted response for the endpoint.
type fakePM struct {
	mtx       sync.Mutex
	env       *config.Env
	tm        *taskman.TaskManager
	sidMgrs   map[string]*sidmgr.Manager
	flags     map[string]uint32
	responses map[string][]*protocol.Message
	sendErr   map[string]status.Status

	sends         []string // host ids in send order
	sentSnapshots [][]byte // request bytes at send time
}

func newFakePM(t *testing.T) *fakePM {
	t.Helper()
	tm := taskman.New(logger.NewNullLogger())
	require.True(t, tm.Start())
	t.Cleanup(func() { tm.Stop() })
	return &fakePM{
		env:       config.NewEnv(),
		tm:        tm,
		sidMgrs:   make(map[string]*sidmgr.Manager),
		flags:     make(map[string]uint32),
		responses: make(map[string][]*protocol.Message),
		sendErr:   make(map[string]status.Status),
	}
}

func (f *fakePM) script(host string, responses ...*protocol.Message) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.responses[host] = append(f.responses[host], responses...)
}

func (f *fakePM) sidMgrLocked(host string) *sidmgr.Manager {
	if m, ok := f.sidMgrs[host]; ok {
		return m
	}
	m := sidmgr.New(time.Minute)
	f.sidMgrs[host] = m
	return m
}

func (f *fakePM) Send(url *xrdurl.URL, msg *protocol.Message,
	handler postmaster.OutgoingStatusHandler, stateful bool, expires time.Time) status.Status {

	f.mtx.Lock()
	host := url.HostID()
	if st, ok := f.sendErr[host]; ok {
		f.mtx.Unlock()
		return st
	}
	f.sends = append(f.sends, host)
	f.sentSnapshots = append(f.sentSnapshots, append([]byte(nil), msg.Bytes()...))
	f.mtx.Unlock()

	go handler.HandleStatus(msg, status.OK())
	return status.OK()
}

func (f *fakePM) Listen(url *xrdurl.URL, handler postmaster.MessageHandler, expires time.Time) status.Status {
	host := url.HostID()
	for {
		f.mtx.Lock()
		q := f.responses[host]
		if len(q) == 0 {
			f.mtx.Unlock()
			return status.OK()
		}
		msg := q[0]
		f.responses[host] = q[1:]
		f.mtx.Unlock()

		action := handler.HandleMessage(msg)
		if action&postmaster.RemoveHandler != 0 {
			return status.OK()
		}
		if action&postmaster.Take == 0 {
			return status.OK()
		}
	}
}

func (f *fakePM) Unlisten(url *xrdurl.URL, handler postmaster.MessageHandler) {}

func (f *fakePM) QueryTransport(url *xrdurl.URL, query uint16) (interface{}, status.Status) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	switch query {
	case postmaster.QuerySIDManager:
		return f.sidMgrLocked(url.HostID()), status.OK()
	case postmaster.QueryServerFlags:
		return f.flags[url.HostID()], status.OK()
	case postmaster.QueryProtocolVersion:
		return uint32(protocol.ProtocolVersion), status.OK()
	}
	return nil, status.New(status.SevError, status.ErrQueryNotSupported)
}

func (f *fakePM) TaskManager() *taskman.TaskManager { return f.tm }
func (f *fakePM) Env() *config.Env                  { return f.env }

func (f *fakePM) sentTo() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakePM) snapshot(i int) []byte {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.sentSnapshots[i]
}

// response builders

func okResponse(sid [2]byte, body []byte) *protocol.Message {
	return responseFrame(sid, protocol.StatusOK, body)
}

func responseFrame(sid [2]byte, code uint16, body []byte) *protocol.Message {
	m := protocol.NewMessage(protocol.ResponseHeaderSize + len(body))
	data := m.Bytes()
	copy(data[0:2], sid[:])
	binary.BigEndian.PutUint16(data[2:4], code)
	binary.BigEndian.PutUint32(data[4:8], uint32(len(body)))
	copy(data[protocol.ResponseHeaderSize:], body)
	return m
}

func errorResponse(sid [2]byte, errno int32, msg string) *protocol.Message {
	body := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(body[0:4], uint32(errno))
	copy(body[4:], msg)
	return responseFrame(sid, protocol.StatusError, body)
}

func redirectResponse(sid [2]byte, host string, port int32, cgi string) *protocol.Message {
	hostInfo := host
	if cgi != "" {
		hostInfo += "?" + cgi
	}
	body := make([]byte, 4+len(hostInfo))
	binary.BigEndian.PutUint32(body[0:4], uint32(port))
	copy(body[4:], hostInfo)
	return responseFrame(sid, protocol.StatusRedirect, body)
}

func waitResponse(sid [2]byte, seconds int32, infomsg string) *protocol.Message {
	body := make([]byte, 4+len(infomsg))
	binary.BigEndian.PutUint32(body[0:4], uint32(seconds))
	copy(body[4:], infomsg)
	return responseFrame(sid, protocol.StatusWait, body)
}

// sid1 is the sid the first allocation of a fresh manager hands out; the
// managers allocate 1, 2, 3, ... in order.
var sid1 = [2]byte{1, 0}

func mustParse(t *testing.T, raw string) *xrdurl.URL {
	t.Helper()
	u, err := xrdurl.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestHappyPing(t *testing.T) {
	pm := newFakePM(t)
	urlA := mustParse(t, "root://a.example.org:1094/")
	pm.script("a.example.org:1094", okResponse(sid1, nil))

	handler := NewSyncResponseHandler()
	msg := protocol.NewPing()
	st := sendMessage(pm, urlA, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK(), "send failed: %s", st)

	final, obj, hosts := handler.WaitFor()
	assert.True(t, final.IsOK(), "final status: %s", final)
	assert.Nil(t, obj, "ping produces no response object")
	require.Len(t, hosts, 1)
	assert.Equal(t, "a.example.org:1094", hosts[0].URL.HostID())

	// the SID went back to the pool
	assert.Equal(t, 0, pm.sidMgrs["a.example.org:1094"].InUse())
}

func TestSingleRedirect(t *testing.T) {
	pm := newFakePM(t)
	hostA, hostB := "a.example.org:1094", "b.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")
	pm.flags[hostA] = protocol.IsManager
	pm.flags[hostB] = protocol.IsServer

	pm.script(hostA, redirectResponse(sid1, "b.example.org", 1094, "tried=a.example.org"))
	pm.script(hostB, okResponse(sid1, nil))

	handler := NewSyncResponseHandler()
	msg := protocol.NewLocate("/store/f", 0)
	st := sendMessage(pm, urlA, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, _, hosts := handler.WaitFor()
	require.True(t, final.IsOK(), "final status: %s", final)

	require.Equal(t, []string{hostA, hostB}, pm.sentTo())
	require.Len(t, hosts, 2)
	assert.Equal(t, hostA, hosts[0].URL.HostID())
	assert.Equal(t, hostB, hosts[1].URL.HostID())
	assert.True(t, hosts[0].LoadBalancer, "the redirecting manager becomes the load balancer")
	assert.False(t, hosts[1].LoadBalancer, "a plain data server must not be flagged")

	// the redirect CGI was appended to the outbound payload
	payload := string(pm.snapshot(1)[protocol.RequestHeaderSize:])
	assert.Contains(t, payload, "tried=a.example.org")

	// old SID released at A, new SID leased and released at B
	assert.Equal(t, 0, pm.sidMgrs[hostA].InUse())
	assert.Equal(t, 0, pm.sidMgrs[hostB].InUse())
}

func TestWaitThenSucceed(t *testing.T) {
	pm := newFakePM(t)
	hostA := "a.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")
	pm.script(hostA,
		waitResponse(sid1, 2, "busy"),
		okResponse(sid1, nil),
	)

	handler := NewSyncResponseHandler()
	msg := protocol.NewLocate("/store/f", protocol.OpenRefresh)
	start := time.Now()
	st := sendMessage(pm, urlA, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, _, _ := handler.WaitFor()
	elapsed := time.Since(start)
	require.True(t, final.IsOK(), "final status: %s", final)

	assert.Equal(t, []string{hostA, hostA}, pm.sentTo(), "exactly one retry")
	assert.True(t, elapsed >= 2*time.Second, "wait must delay the retry, took %s", elapsed)

	// the refresh bit was cleared for the re-issue
	opts := binary.BigEndian.Uint16(pm.snapshot(1)[4:6])
	assert.Zero(t, opts&protocol.OpenRefresh)
}

func TestLoadBalancerFallbackOnNotFound(t *testing.T) {
	pm := newFakePM(t)
	hostL, hostD := "lb.example.org:1094", "d.example.org:1094"
	urlL := mustParse(t, "root://"+hostL+"/")
	pm.flags[hostL] = protocol.IsManager
	pm.flags[hostD] = protocol.IsServer

	// the fallback retry keeps the SID leased at D
	pm.script(hostL,
		redirectResponse(sid1, "d.example.org", 1094, ""),
		okResponse(sid1, nil),
	)
	pm.script(hostD, errorResponse(sid1, protocol.ErrNotFound, "file not found"))

	handler := NewSyncResponseHandler()
	msg := protocol.NewLocate("/store/f", 0)
	st := sendMessage(pm, urlL, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, _, hosts := handler.WaitFor()
	require.True(t, final.IsOK(), "final status: %s", final)

	// L redirected to D, D failed with NotFound, retried at L
	assert.Equal(t, []string{hostL, hostD, hostL}, pm.sentTo())
	require.Len(t, hosts, 3)

	// the retry carries tried=d... and the refresh bit
	retry := pm.snapshot(2)
	payload := string(retry[protocol.RequestHeaderSize:])
	assert.Contains(t, payload, "tried=d.example.org")
	opts := binary.BigEndian.Uint16(retry[4:6])
	assert.NotZero(t, opts&protocol.OpenRefresh, "NotFound fallback sets the refresh bit")
}

func TestOkSoFarConcatenation(t *testing.T) {
	pm := newFakePM(t)
	hostA := "a.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")
	pm.script(hostA,
		responseFrame(sid1, protocol.StatusOkSoFar, []byte("AB")),
		responseFrame(sid1, protocol.StatusOkSoFar, []byte("CD")),
		okResponse(sid1, []byte("EF")),
	)

	handler := NewSyncResponseHandler()
	msg := protocol.NewQuery(protocol.QueryConfig, "cms.space")
	st := sendMessage(pm, urlA, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, obj, _ := handler.WaitFor()
	require.True(t, final.IsOK(), "final status: %s", final)
	data, ok := obj.(*BinaryData)
	require.True(t, ok, "expected BinaryData, got %T", obj)
	assert.Equal(t, "ABCDEF", string(data.Data), "partials concatenate in order")
}

func TestVectorReadChunkMismatch(t *testing.T) {
	pm := newFakePM(t)
	hostA := "a.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")

	const mib = 1 << 20
	chunks := []protocol.Chunk{
		{Offset: 0, Length: mib, Buffer: make([]byte, mib)},
		{Offset: 10 * mib, Length: mib, Buffer: make([]byte, mib)},
	}

	// the server announces (0, 1MiB) then (20MiB, 1MiB) - a mismatch
	body := make([]byte, 2*(protocol.ReadVEntrySize+mib))
	entry := body[0:]
	binary.BigEndian.PutUint32(entry[4:8], mib)
	binary.BigEndian.PutUint64(entry[8:16], 0)
	for i := 0; i < mib; i++ {
		entry[protocol.ReadVEntrySize+i] = 'x'
	}
	entry = body[protocol.ReadVEntrySize+mib:]
	binary.BigEndian.PutUint32(entry[4:8], mib)
	binary.BigEndian.PutUint64(entry[8:16], 20*mib)
	pm.script(hostA, okResponse(sid1, body))

	handler := NewSyncResponseHandler()
	msg := protocol.NewVectorRead([4]byte{}, chunks)
	st := sendMessage(pm, urlA, msg, handler, SendParams{Chunks: chunks}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, obj, _ := handler.WaitFor()
	require.False(t, final.IsOK())
	assert.True(t, final.IsFatal())
	assert.Equal(t, status.ErrInvalidResponse, final.Code)
	assert.Nil(t, obj)

	// the first chunk was filled, the mismatching one left untouched
	assert.Equal(t, byte('x'), chunks[0].Buffer[0])
	assert.Equal(t, byte(0), chunks[1].Buffer[0])
}

// countingHandler wraps a SyncResponseHandler and counts callbacks.
type countingHandler struct {
	inner *SyncResponseHandler
	calls int32
}

func (h *countingHandler) HandleResponseWithHosts(st status.Status, response Object, hosts []*HostInfo) {
	atomic.AddInt32(&h.calls, 1)
	h.inner.HandleResponseWithHosts(st, response, hosts)
}

func TestRedirectLimitBoundsWireSends(t *testing.T) {
	pm := newFakePM(t)
	pm.env.PutInt("MaxRedirects", 2)

	hosts := []string{"h0.example.org:1094", "h1.example.org:1094", "h2.example.org:1094"}
	urlStart := mustParse(t, "root://"+hosts[0]+"/")

	// every host redirects to the next; the chain never ends
	pm.script(hosts[0], redirectResponse(sid1, "h1.example.org", 1094, ""))
	pm.script(hosts[1], redirectResponse(sid1, "h2.example.org", 1094, ""))
	pm.script(hosts[2], redirectResponse(sid1, "h0.example.org", 1094, ""))

	handler := &countingHandler{inner: NewSyncResponseHandler()}
	msg := protocol.NewLocate("/store/f", 0)
	st := sendMessage(pm, urlStart, msg, handler, SendParams{}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, _, _ := handler.inner.WaitFor()
	require.False(t, final.IsOK())
	assert.Equal(t, status.ErrRedirectLimit, final.Code)
	assert.True(t, final.IsFatal())

	// at most MaxRedirects+1 wire sends
	assert.Len(t, pm.sentTo(), 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&handler.calls), "callback fires exactly once")
}

func TestRedirectAsAnswer(t *testing.T) {
	pm := newFakePM(t)
	hostA := "a.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")
	pm.script(hostA, redirectResponse(sid1, "b.example.org", 2094, "token=xyz"))

	handler := NewSyncResponseHandler()
	msg := protocol.NewLocate("/store/f", 0)
	st := sendMessage(pm, urlA, msg, handler, SendParams{RedirectAsAnswer: true}, logger.NewNullLogger())
	require.True(t, st.IsOK())

	final, obj, _ := handler.WaitFor()
	require.True(t, final.IsOK())
	assert.Equal(t, status.SuRedirect, final.Code)
	info, ok := obj.(*RedirectInfo)
	require.True(t, ok, "expected RedirectInfo, got %T", obj)
	assert.Equal(t, "b.example.org", info.Host)
	assert.Equal(t, 2094, info.Port)
	assert.Equal(t, "token=xyz", info.CGI)

	// exactly one wire send: the redirect was not followed
	assert.Len(t, pm.sentTo(), 1)
}

func TestStreamBrokenRetriesAtCurrentEndpoint(t *testing.T) {
	pm := newFakePM(t)
	hostA := "a.example.org:1094"
	urlA := mustParse(t, "root://"+hostA+"/")

	mgr, st := pm.QueryTransport(urlA, postmaster.QuerySIDManager)
	require.True(t, st.IsOK())
	sid, st := mgr.(*sidmgr.Manager).Allocate()
	require.True(t, st.IsOK())

	msg := protocol.NewLocate("/store/f", 0)
	msg.SetStreamID(sid)

	handler := NewSyncResponseHandler()
	mh := &MsgHandler{
		pm:              pm,
		request:         msg,
		userHandler:     handler,
		url:             urlA,
		sidMgr:          mgr.(*sidmgr.Manager),
		expiration:      time.Now().Add(time.Minute),
		redirectCounter: config.DefaultMaxRedirects,
		hosts:           []*HostInfo{{URL: urlA}},
		log:             logger.NewNullLogger(),
	}
	require.True(t, pm.Send(urlA, msg, mh, false, mh.expiration).IsOK())
	time.Sleep(50 * time.Millisecond) // let HandleStatus run; nothing scripted yet

	// the retry triggered by the broken stream finds this answer
	pm.script(hostA, okResponse(sid, nil))

	action := mh.HandleStreamEvent(postmaster.StreamBroken, 0,
		status.New(status.SevError, status.ErrSocketDisconnected))
	assert.NotZero(t, action&postmaster.RemoveHandler)

	final, _, _ := handler.WaitFor()
	assert.True(t, final.IsOK(), "retry at the current endpoint must succeed: %s", final)
	assert.Equal(t, []string{hostA, hostA}, pm.sentTo())
}
