// Package client sits on top of the post master: the per-request state
// machine that follows redirections and recovers from transient failures,
// and the blocking convenience facade built on it.
package client

import (
	"time"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/sidmgr"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// SendParams tunes one request.
type SendParams struct {
	// Expires is the absolute deadline; zero means now + RequestTimeout.
	Expires time.Time
	// Stateful requests cannot survive a session restart.
	Stateful bool
	// RedirectAsAnswer returns redirects to the caller instead of following
	// them.
	RedirectAsAnswer bool
	// Chunks carries the caller's buffers for read and vector-read
	// requests.
	Chunks []protocol.Chunk
}

// SendMessage leases a SID for the message, builds the request handler, and
// hands both to the post master. The response handler fires exactly once.
func SendMessage(pm *postmaster.PostMaster, url *xrdurl.URL, msg *protocol.Message,
	userHandler ResponseHandler, params SendParams) status.Status {
	return sendMessage(pm, url, msg, userHandler, params, logger.Default())
}

func sendMessage(pm postMaster, url *xrdurl.URL, msg *protocol.Message,
	userHandler ResponseHandler, params SendParams, log logger.Logger) status.Status {

	res, st := pm.QueryTransport(url, postmaster.QuerySIDManager)
	if !st.IsOK() {
		return st
	}
	mgr, ok := res.(*sidmgr.Manager)
	if !ok {
		return status.New(status.SevError, status.ErrInternal)
	}

	sid, st := mgr.Allocate()
	if !st.IsOK() {
		return st
	}
	msg.SetStreamID(sid)

	env := pm.Env()
	expires := params.Expires
	if expires.IsZero() {
		timeout := env.GetIntDefault("RequestTimeout", config.DefaultRequestTimeout)
		expires = time.Now().Add(time.Duration(timeout) * time.Second)
	}

	handler := &MsgHandler{
		pm:               pm,
		request:          msg,
		userHandler:      userHandler,
		url:              url,
		sidMgr:           mgr,
		expiration:       expires,
		stateful:         params.Stateful,
		redirectCounter:  env.GetIntDefault("MaxRedirects", config.DefaultMaxRedirects),
		redirectAsAnswer: params.RedirectAsAnswer,
		chunks:           params.Chunks,
		hosts:            []*HostInfo{{URL: url}},
		log: log.WithField("endpoint", url.HostID()).
			WithField("msg", msg.Description()),
	}

	st = pm.Send(url, msg, handler, params.Stateful, expires)
	if !st.IsOK() {
		mgr.Release(sid)
		return st
	}
	return status.OK()
}

// SyncResponseHandler adapts the callback interface to blocking callers.
type SyncResponseHandler struct {
	ch chan syncResult
}

type syncResult struct {
	st    status.Status
	obj   Object
	hosts []*HostInfo
}

func NewSyncResponseHandler() *SyncResponseHandler {
	return &SyncResponseHandler{ch: make(chan syncResult, 1)}
}

func (h *SyncResponseHandler) HandleResponseWithHosts(st status.Status, response Object, hosts []*HostInfo) {
	h.ch <- syncResult{st: st, obj: response, hosts: hosts}
}

// WaitFor blocks until the response callback fired.
func (h *SyncResponseHandler) WaitFor() (status.Status, Object, []*HostInfo) {
	res := <-h.ch
	return res.st, res.obj, res.hosts
}
