package client

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/sidmgr"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/taskman"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// ResponseHandler is the user-facing callback of an asynchronous request.
// It fires exactly once per request, with the final status, the parsed
// response object (nil unless the request kind produces one), and the list
// of hosts the request has visited.
type ResponseHandler interface {
	HandleResponseWithHosts(st status.Status, response Object, hosts []*HostInfo)
}

// postMaster is the slice of the post master the request handler needs.
// *postmaster.PostMaster implements it; tests substitute a fake.
type postMaster interface {
	Send(url *xrdurl.URL, msg *protocol.Message, handler postmaster.OutgoingStatusHandler,
		stateful bool, expires time.Time) status.Status
	Listen(url *xrdurl.URL, handler postmaster.MessageHandler, expires time.Time) status.Status
	Unlisten(url *xrdurl.URL, handler postmaster.MessageHandler)
	QueryTransport(url *xrdurl.URL, query uint16) (interface{}, status.Status)
	TaskManager() *taskman.TaskManager
	Env() *config.Env
}

var _ postMaster = (*postmaster.PostMaster)(nil)

// MsgHandler owns one in-flight request: the outbound message, the current
// endpoint, the redirect bookkeeping, and the recovery logic for every
// answer the server can give. It uninstalls itself after invoking the user
// callback.
type MsgHandler struct {
	mtx sync.Mutex

	pm          postMaster
	request     *protocol.Message
	response    *protocol.Message
	partials    []*protocol.Message
	userHandler ResponseHandler
	url         *xrdurl.URL
	sidMgr      *sidmgr.Manager
	expiration  time.Time
	stateful    bool

	redirectCounter  int
	redirectAsAnswer bool
	redirectCGI      string
	loadBalancer     *HostInfo
	hosts            []*HostInfo
	chunks           []protocol.Chunk

	st       status.Status
	finished bool
	log      logger.Logger
}

var _ postmaster.MessageHandler = (*MsgHandler)(nil)
var _ postmaster.OutgoingStatusHandler = (*MsgHandler)(nil)

// HandleMessage examines an inbound frame and decides what to do with it.
func (h *MsgHandler) HandleMessage(msg *protocol.Message) postmaster.HandlerAction {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.processLocked(msg)
}

func (h *MsgHandler) processLocked(msg *protocol.Message) postmaster.HandlerAction {
	if h.finished {
		return postmaster.RemoveHandler
	}

	// async push: only asynresp frames whose embedded stream id is ours
	if msg.ResponseStatus() == protocol.StatusAttn {
		code, err := protocol.AttnActionCode(msg)
		if err != nil || code != protocol.AttnAsynResp {
			return postmaster.Ignore
		}
		embedded, err := protocol.ExtractEmbedded(msg)
		if err != nil || embedded.StreamID() != h.request.StreamID() {
			return postmaster.Ignore
		}
		h.log.Debug("got an async response, processing it")
		return h.processLocked(embedded)
	}

	if msg.StreamID() != h.request.StreamID() {
		return postmaster.Ignore
	}

	// record what kind of server we were talking to
	if last := h.hosts[len(h.hosts)-1]; last.Flags == 0 {
		if flags, st := h.pm.QueryTransport(h.url, postmaster.QueryServerFlags); st.IsOK() {
			last.Flags, _ = flags.(uint32)
		}
		if pv, st := h.pm.QueryTransport(h.url, postmaster.QueryProtocolVersion); st.IsOK() {
			last.Protocol, _ = pv.(uint32)
		}
	}

	switch msg.ResponseStatus() {
	case protocol.StatusOK:
		h.log.Debug("got an ok response")
		h.response = msg
		h.st = status.OK()
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler

	case protocol.StatusError:
		eb, err := protocol.DecodeError(msg)
		if err != nil {
			h.st = status.New(status.SevError, status.ErrInvalidMessage)
			h.handleResponseLocked()
			return postmaster.Take | postmaster.RemoveHandler
		}
		h.log.WithField("errno", eb.Errnum).WithField("errmsg", eb.Errmsg).
			Debug("got an error response")
		h.response = msg
		h.handleErrorLocked(status.Status{
			Sev: status.SevError, Code: status.ErrErrorResponse,
			Errno: eb.Errnum, Msg: eb.Errmsg,
		})
		return postmaster.Take | postmaster.RemoveHandler

	case protocol.StatusRedirect:
		return h.handleRedirectLocked(msg)

	case protocol.StatusWait:
		wb, err := protocol.DecodeWait(msg)
		if err != nil {
			h.st = status.New(status.SevError, status.ErrInvalidMessage)
			h.handleResponseLocked()
			return postmaster.Take | postmaster.RemoveHandler
		}
		h.log.WithField("seconds", wb.Seconds).WithField("infomsg", wb.InfoMsg).
			Debug("got a wait response")

		// retryable open/locate must not force a refresh after the wait
		protocol.SetRefreshFlag(h.request, false)

		h.pm.TaskManager().RegisterTask(&waitTask{h},
			time.Now().Add(time.Duration(wb.Seconds)*time.Second))
		return postmaster.Take | postmaster.RemoveHandler

	case protocol.StatusWaitResp:
		seconds, _ := protocol.DecodeWaitResp(msg)
		h.log.WithField("seconds", seconds).Debug("got a waitresp response")
		// The response will arrive as an async push; stay installed. The
		// deadline is intentionally left alone.
		return postmaster.Take

	case protocol.StatusOkSoFar:
		h.log.Debug("got a partial response, waiting for more")
		h.partials = append(h.partials, msg)
		return postmaster.Take

	default:
		h.log.WithField("status", msg.ResponseStatus()).
			Debug("got unrecognized response")
		h.st = status.New(status.SevError, status.ErrInvalidResponse)
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}
}

func (h *MsgHandler) handleRedirectLocked(msg *protocol.Message) postmaster.HandlerAction {
	rb, err := protocol.DecodeRedirect(msg)
	if err != nil {
		h.st = status.New(status.SevError, status.ErrInvalidMessage)
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}
	h.log.WithField("host", rb.Host).WithField("port", rb.Port).
		Debug("got a redirect response")

	if h.redirectCounter == 0 {
		h.log.Debug("redirect limit has been reached")
		h.st = status.New(status.SevFatal, status.ErrRedirectLimit)
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}
	h.redirectCounter--

	// Remember the current server as load balancer if we still need one: a
	// meta manager supersedes any previous assignment, a plain manager only
	// fills an empty slot.
	current := h.hosts[len(h.hosts)-1]
	if current.Flags&protocol.IsManager != 0 {
		if current.Flags&protocol.AttrMeta != 0 || h.loadBalancer == nil {
			h.loadBalancer = current
			for _, host := range h.hosts {
				host.LoadBalancer = false
			}
			current.LoadBalancer = true
			h.log.Debug("current server has been assigned as a load balancer")
		}
	}

	target, parseErr := xrdurl.Parse(fmt.Sprintf("root://%s:%d/", rb.Host, rb.Port))
	if parseErr != nil {
		h.log.WithError(parseErr).Error("got invalid redirection URL")
		h.st = status.New(status.SevFatal, status.ErrInvalidRedirectURL)
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}
	h.redirectCGI = rb.CGI

	if h.redirectAsAnswer {
		h.st = status.New(status.SevOK, status.SuRedirect)
		h.url = target
		h.response = msg
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}

	if st := h.rewriteForRedirectLocked(target, rb.CGI); !st.IsOK() {
		h.st = st
		h.handleResponseLocked()
		return postmaster.Take | postmaster.RemoveHandler
	}

	h.retryAtServerLocked(target)
	return postmaster.Take | postmaster.RemoveHandler
}

// rewriteForRedirectLocked releases the SID on the previous endpoint, leases one
// from the new endpoint's manager, and appends the redirect CGI.
func (h *MsgHandler) rewriteForRedirectLocked(target *xrdurl.URL, cgi string) status.Status {
	h.sidMgr.Release(h.request.StreamID())
	h.sidMgr = nil

	res, st := h.pm.QueryTransport(target, postmaster.QuerySIDManager)
	if !st.IsOK() {
		h.log.Error("unable to obtain the SID manager of the redirect target")
		return st
	}
	mgr, ok := res.(*sidmgr.Manager)
	if !ok {
		return status.New(status.SevError, status.ErrInternal)
	}

	sid, st := mgr.Allocate()
	if !st.IsOK() {
		h.log.Error("unable to allocate a new SID at the redirect target")
		return st
	}
	h.sidMgr = mgr
	h.request.SetStreamID(sid)

	if cgi != "" {
		params := parseCGI(cgi)
		protocol.AppendCGI(h.request, params, false)
	}
	return status.OK()
}

// HandleStreamEvent receives channel-level conditions routed through the
// inbound queue.
func (h *MsgHandler) HandleStreamEvent(ev postmaster.StreamEvent, streamNum uint16, st status.Status) postmaster.HandlerAction {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.log.WithField("event", ev.String()).Debug("stream event reported")

	if ev == postmaster.StreamReady {
		return postmaster.Ignore
	}
	if streamNum != 0 {
		return postmaster.Ignore
	}
	if h.finished {
		return postmaster.RemoveHandler
	}
	h.handleErrorLocked(st)
	return postmaster.RemoveHandler
}

// HandleStatus learns whether the outbound message made it to the wire; on
// success the handler installs itself to wait for the reply. The handler
// mutex must not be held across Listen: the inbound queue may offer parked
// frames to us synchronously.
func (h *MsgHandler) HandleStatus(msg *protocol.Message, st status.Status) {
	h.mtx.Lock()
	if h.finished {
		h.mtx.Unlock()
		return
	}
	url, expiration := h.url, h.expiration
	h.mtx.Unlock()

	if st.IsOK() {
		h.log.Debug("message successfully sent")
		if listenSt := h.pm.Listen(url, h, expiration); listenSt.IsOK() {
			return
		}
	}

	h.log.WithField("status", st.String()).Error("unable to send message, trying to recover")
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.finished {
		h.handleErrorLocked(st)
	}
}

// waitTask re-issues the request once the advertised wait elapsed.
type waitTask struct {
	handler *MsgHandler
}

func (t *waitTask) Run(now time.Time) time.Time {
	t.handler.WaitDone(now)
	return time.Time{}
}

func (t *waitTask) Name() string {
	return "WaitTask for " + t.handler.request.Description()
}

// WaitDone re-sends the request to the same endpoint.
func (h *MsgHandler) WaitDone(now time.Time) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.finished {
		return
	}
	h.retryAtServerLocked(h.url)
}

// handleErrorLocked is the recovery decision point for anything that went
// wrong: server error responses, stream events, send failures.
func (h *MsgHandler) handleErrorLocked(st status.Status) {
	if st.IsOK() {
		return
	}
	h.log.WithField("status", st.String()).Debug("handling error")

	// Server error responses are recoverable at the load balancer for a
	// narrow errno set; NotFound additionally forces a refresh.
	if st.Code == status.ErrErrorResponse {
		if h.loadBalancer != nil &&
			h.url.HostID() != h.loadBalancer.URL.HostID() &&
			(st.Errno == protocol.ErrFSError || st.Errno == protocol.ErrIOError ||
				st.Errno == protocol.ErrServerError || st.Errno == protocol.ErrNotFound) {
			h.updateTriedCGILocked()
			if st.Errno == protocol.ErrNotFound {
				protocol.SetRefreshFlag(h.request, true)
			}
			h.response = nil
			h.retryAtServerLocked(h.loadBalancer.URL)
			return
		}
		h.st = st
		h.handleResponseLocked()
		return
	}

	// Nothing can be done after a user timeout, for a session-bound request,
	// or once the deadline has passed.
	if st.Code == status.ErrOperationExpired || h.request.SessionID() != 0 ||
		!time.Now().Before(h.expiration) {
		h.log.WithField("status", st.String()).Error("unable to get the response")
		h.st = st
		h.handleResponseLocked()
		return
	}

	// Connection-level errors: recover at the load balancer if we have one,
	// otherwise at the current endpoint, as long as the error is not fatal.
	if h.loadBalancer != nil && h.loadBalancer.URL.HostID() != h.url.HostID() {
		h.updateTriedCGILocked()
		h.retryAtServerLocked(h.loadBalancer.URL)
		return
	}
	if !st.IsFatal() {
		h.retryAtServerLocked(h.url)
		return
	}
	h.st = st
	h.handleResponseLocked()
}

// retryAtServerLocked re-sends the request to the given endpoint; a failed
// send loops back into error handling.
func (h *MsgHandler) retryAtServerLocked(url *xrdurl.URL) {
	h.url = url
	h.hosts = append(h.hosts, &HostInfo{URL: url})
	st := h.pm.Send(url, h.request, h, h.stateful, h.expiration)
	if !st.IsOK() {
		h.handleErrorLocked(st)
	}
}

// updateTriedCGILocked appends the current host to the tried= parameter so
// the server excludes already-attempted replicas.
func (h *MsgHandler) updateTriedCGILocked() {
	protocol.AppendCGI(h.request, map[string]string{"tried": h.url.Host()}, false)
}

// handleResponseLocked finishes the request: release or quarantine the SID,
// parse the payload, fire the user callback exactly once.
func (h *MsgHandler) handleResponseLocked() {
	if h.finished {
		return
	}
	h.finished = true

	sid := h.request.StreamID()
	if h.sidMgr != nil {
		if !h.st.IsOK() && h.st.Code == status.ErrOperationExpired {
			h.sidMgr.TimeOut(sid)
		} else {
			h.sidMgr.Release(sid)
		}
	}

	st := h.st
	var object Object
	if st.IsOK() {
		var parseSt status.Status
		object, parseSt = h.parseResponseLocked()
		if !parseSt.IsOK() {
			st = parseSt
			object = nil
		}
	}

	h.userHandler.HandleResponseWithHosts(st, object, h.hosts)
}

// parseResponseLocked turns the response payload into the object matching
// the original request kind, gluing partial frames together first.
func (h *MsgHandler) parseResponseLocked() (Object, status.Status) {
	if h.response == nil {
		return nil, status.OK()
	}

	// redirect returned as the answer
	if h.response.ResponseStatus() == protocol.StatusRedirect {
		return &RedirectInfo{
			Host: h.url.Host(),
			Port: h.url.Port(),
			CGI:  h.redirectCGI,
		}, status.OK()
	}

	if h.response.ResponseStatus() != protocol.StatusOK {
		return nil, status.OK()
	}

	// glue the partials and the final payload together, in order
	var buffer []byte
	if len(h.partials) == 0 {
		buffer = h.response.ResponseBody()
	} else {
		total := len(h.response.ResponseBody())
		for _, p := range h.partials {
			total += len(p.ResponseBody())
		}
		buffer = make([]byte, 0, total)
		for _, p := range h.partials {
			buffer = append(buffer, p.ResponseBody()...)
		}
		buffer = append(buffer, h.response.ResponseBody()...)
	}

	switch h.request.RequestID() {
	case protocol.ReqMv, protocol.ReqTruncate, protocol.ReqRm, protocol.ReqMkDir,
		protocol.ReqRmDir, protocol.ReqChMod, protocol.ReqPing, protocol.ReqClose,
		protocol.ReqWrite, protocol.ReqSync, protocol.ReqEndSess:
		return nil, status.OK()

	case protocol.ReqLocate:
		h.log.Debug("parsing the response as LocationInfo")
		return ParseLocationInfo(buffer), status.OK()

	case protocol.ReqStat:
		if h.request.Bytes()[4]&protocol.StatVFS != 0 {
			h.log.Debug("parsing the response as StatInfoVFS")
			return ParseStatInfoVFS(buffer), status.OK()
		}
		h.log.Debug("parsing the response as StatInfo")
		return ParseStatInfo(buffer), status.OK()

	case protocol.ReqProtocol:
		pval, flags, err := protocol.DecodeProtocol(h.response)
		if err != nil {
			return nil, status.New(status.SevError, status.ErrInvalidMessage)
		}
		return &ProtocolInfo{Version: pval, Flags: flags}, status.OK()

	case protocol.ReqDirList:
		path := string(h.request.RequestPayload())
		if qpos := strings.IndexByte(path, '?'); qpos != -1 {
			path = path[:qpos]
		}
		return ParseDirectoryList(h.url.HostID(), path, buffer), status.OK()

	case protocol.ReqOpen:
		info := &OpenInfo{}
		if len(buffer) < 4 {
			return nil, status.New(status.SevError, status.ErrInvalidResponse)
		}
		copy(info.FileHandle[:], buffer[0:4])
		opts := binary.BigEndian.Uint16(h.request.Bytes()[6:8])
		if opts&protocol.OpenRetStat != 0 && len(buffer) >= 12 {
			info.Stat = ParseStatInfo(buffer[12:])
		}
		return info, status.OK()

	case protocol.ReqRead:
		if len(h.chunks) == 0 {
			return nil, status.New(status.SevError, status.ErrInternal)
		}
		chunk := h.chunks[0]
		if int(chunk.Length) < len(buffer) {
			h.log.WithField("buffer", chunk.Length).WithField("got", len(buffer)).
				Error("user supplied buffer is too small for the response data")
			return nil, status.New(status.SevError, status.ErrInvalidResponse)
		}
		copy(chunk.Buffer, buffer)
		return &ChunkInfo{
			Offset: chunk.Offset,
			Length: uint32(len(buffer)),
			Buffer: chunk.Buffer,
		}, status.OK()

	case protocol.ReqReadV:
		info := &VectorReadInfo{}
		if st := h.unpackVectorRead(info, buffer); !st.IsOK() {
			return nil, st
		}
		return info, status.OK()

	default:
		h.log.Debug("parsing the response as BinaryData")
		data := make([]byte, len(buffer))
		copy(data, buffer)
		return &BinaryData{Data: data}, status.OK()
	}
}

// unpackVectorRead walks the readv answer: each 16-byte header announces a
// chunk that must match the request, in order; the data lands in the
// caller's buffers. A mismatch is fatal and leaves later buffers untouched.
func (h *MsgHandler) unpackVectorRead(info *VectorReadInfo, buffer []byte) status.Status {
	offset := 0
	current := 0

	for offset+protocol.ReadVEntrySize <= len(buffer) {
		if current >= len(h.chunks) {
			h.log.Error("the server responded with more chunks than asked for")
			return status.New(status.SevFatal, status.ErrInvalidResponse)
		}

		rlen := binary.BigEndian.Uint32(buffer[offset+4 : offset+8])
		roff := binary.BigEndian.Uint64(buffer[offset+8 : offset+16])

		requested := h.chunks[current]
		if rlen != requested.Length || roff != requested.Offset {
			h.log.Error("the response chunk does not match the requested one")
			return status.New(status.SevFatal, status.ErrInvalidResponse)
		}

		data := buffer[offset+protocol.ReadVEntrySize:]
		if len(data) < int(rlen) {
			return status.New(status.SevFatal, status.ErrInvalidResponse)
		}
		if requested.Buffer == nil {
			h.log.Error("user supplied buffer is nil, discarding the data")
		} else {
			copy(requested.Buffer, data[:rlen])
		}

		info.Chunks = append(info.Chunks, protocol.Chunk{
			Offset: roff,
			Length: rlen,
			Buffer: requested.Buffer,
		})
		info.Size += rlen

		offset += protocol.ReadVEntrySize + int(rlen)
		current++
	}
	return status.OK()
}

func parseCGI(cgi string) map[string]string {
	params := make(map[string]string)
	for _, kv := range strings.Split(cgi, "&") {
		if kv == "" {
			continue
		}
		if eq := strings.IndexByte(kv, '='); eq != -1 {
			params[kv[:eq]] = kv[eq+1:]
		} else {
			params[kv] = ""
		}
	}
	return params
}
