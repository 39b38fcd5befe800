// Package transport implements the xrootd wire codec behind the post
// master's transport interface: the initial handshake and login, frame
// reassembly from non-blocking sockets, and the per-endpoint channel state.
package transport

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/sidmgr"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// handshake steps
const (
	hsStepInitial = iota
	hsStepProcessInitial
	hsStepProcessProtocol
	hsStepProcessLogin
)

// channelInfo is the opaque per-endpoint state: everything the handshake
// learned about the server plus the endpoint's SID pool.
type channelInfo struct {
	mtx             sync.Mutex
	url             *xrdurl.URL
	protocolVersion uint32
	serverFlags     uint32
	subStreams      uint16
	sessionBytes    [protocol.SessionIDSize]byte
	sidMgr          *sidmgr.Manager
}

// XRootD is the transport handler for the xrootd protocol.
type XRootD struct {
	env *config.Env
	log logger.Logger
}

var _ postmaster.TransportHandler = (*XRootD)(nil)

func New(env *config.Env, log logger.Logger) *XRootD {
	if env == nil {
		env = config.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &XRootD{env: env, log: log.WithField("subsys", "transport")}
}

func (t *XRootD) InitializeChannel(url *xrdurl.URL) interface{} {
	grace := time.Duration(t.env.GetIntDefault("SIDGracePeriod", config.DefaultSIDGracePeriod)) * time.Second
	return &channelInfo{
		url:        url,
		subStreams: 1,
		sidMgr:     sidmgr.New(grace),
	}
}

func (t *XRootD) FinalizeChannel(channelData interface{}) {
}

// HandShake advances the negotiation: send the initial handshake with the
// protocol request piggybacked, digest the two answers, log in, done.
func (t *XRootD) HandShake(hs *postmaster.HandShakeData, channelData interface{}) (bool, status.Status) {
	info := channelData.(*channelInfo)
	log := t.log.WithField("endpoint", hs.URL.HostID()).WithField("substream", hs.SubStreamNum)

	switch hs.Step {
	case hsStepInitial:
		log.Debug("sending the hand shake")
		hs.Out = buildInitialHandShake()
		hs.Step = hsStepProcessInitial
		return false, status.OK()

	case hsStepProcessInitial:
		if hs.In == nil || hs.In.ResponseStatus() != protocol.StatusOK || len(hs.In.ResponseBody()) < 8 {
			log.Error("invalid hand shake response")
			return false, status.New(status.SevFatal, status.ErrHandShake)
		}
		body := hs.In.ResponseBody()
		info.mtx.Lock()
		info.protocolVersion = binary.BigEndian.Uint32(body[0:4])
		if int32(binary.BigEndian.Uint32(body[4:8])) == protocol.DataServer {
			info.serverFlags = protocol.IsServer
		} else {
			info.serverFlags = protocol.IsManager
		}
		info.mtx.Unlock()
		hs.Step = hsStepProcessProtocol
		return false, status.OK()

	case hsStepProcessProtocol:
		if hs.In == nil || hs.In.ResponseStatus() != protocol.StatusOK {
			log.Error("got invalid response to kXR_protocol")
			return false, status.New(status.SevFatal, status.ErrHandShake)
		}
		pval, flags, err := protocol.DecodeProtocol(hs.In)
		if err != nil {
			log.WithError(err).Error("unable to decode the protocol response")
			return false, status.New(status.SevFatal, status.ErrHandShake)
		}
		info.mtx.Lock()
		if pval >= protocol.ProtocolVersion {
			info.serverFlags = flags
		}
		serverFlags := info.serverFlags
		protocolVersion := info.protocolVersion
		info.mtx.Unlock()

		log.WithField("server", protocol.ServerFlagsString(serverFlags)).
			WithField("protocol", protocolVersion).
			Debug("hand shake successful, logging in")

		hs.Out = protocol.NewLogin(int32(os.Getpid()), hs.URL.Username())
		hs.Step = hsStepProcessLogin
		return false, status.OK()

	case hsStepProcessLogin:
		if hs.In == nil || hs.In.ResponseStatus() != protocol.StatusOK {
			log.Error("login failed")
			return false, status.New(status.SevFatal, status.ErrHandShake)
		}
		body := hs.In.ResponseBody()
		if len(body) >= protocol.SessionIDSize {
			info.mtx.Lock()
			copy(info.sessionBytes[:], body[:protocol.SessionIDSize])
			info.mtx.Unlock()
		}
		log.Debug("logged in")
		return true, status.OK()
	}

	return false, status.New(status.SevFatal, status.ErrInternal)
}

// buildInitialHandShake produces the 20-byte client greeting with the
// protocol request piggybacked at the end, so both answers arrive without an
// extra round trip.
func buildInitialHandShake() *protocol.Message {
	m := protocol.NewMessage(20 + protocol.RequestHeaderSize)
	data := m.Bytes()
	binary.BigEndian.PutUint32(data[12:16], 4)
	binary.BigEndian.PutUint32(data[16:20], 2012)

	proto := protocol.NewProtocol()
	copy(data[20:], proto.Bytes())
	m.SetDescription("initial hand shake + kXR_protocol")
	return m
}

// GetMessage reassembles one framed message from a non-blocking socket. The
// message carries its own cursor, so a partial read resumes on the next
// call. SuRetry means more data is needed.
func (t *XRootD) GetMessage(msg *protocol.Message, sock *poller.Socket) status.Status {
	if msg.Cursor() == 0 && msg.Size() < protocol.ResponseHeaderSize {
		msg.ReAllocate(protocol.ResponseHeaderSize)
	}

	// header first
	for msg.Cursor() < protocol.ResponseHeaderSize {
		n, st := sock.Read(msg.BufferAtCursor()[:protocol.ResponseHeaderSize-msg.Cursor()])
		if !st.IsOK() || st.IsRetry() {
			return st
		}
		msg.AdvanceCursor(n)
	}

	bodySize := int(msg.ResponseDataLen())
	if msg.Size() < protocol.ResponseHeaderSize+bodySize {
		msg.ReAllocate(protocol.ResponseHeaderSize + bodySize)
	}

	for msg.Cursor() < protocol.ResponseHeaderSize+bodySize {
		n, st := sock.Read(msg.BufferAtCursor())
		if !st.IsOK() || st.IsRetry() {
			return st
		}
		msg.AdvanceCursor(n)
	}

	return status.OK()
}

// Multiplex picks the substream pair for an outbound message. This codec
// runs a single substream per stream, so without a hint everything maps to
// {0, 0}; a hint is returned unchanged and the fallback logic in the stream
// handles substreams that are not up.
func (t *XRootD) Multiplex(msg *protocol.Message, channelData interface{}, hint *postmaster.PathID) postmaster.PathID {
	if hint != nil {
		return *hint
	}
	return postmaster.PathID{Up: 0, Down: 0}
}

func (t *XRootD) StreamNumber(channelData interface{}) uint16 {
	return 1
}

func (t *XRootD) SubStreamNumber(channelData interface{}) uint16 {
	info := channelData.(*channelInfo)
	info.mtx.Lock()
	defer info.mtx.Unlock()
	return info.subStreams
}

// IsStreamTTLElapsed applies the manager or data-server TTL depending on
// what the handshake discovered.
func (t *XRootD) IsStreamTTLElapsed(inactive time.Duration, channelData interface{}) bool {
	info := channelData.(*channelInfo)
	info.mtx.Lock()
	flags := info.serverFlags
	info.mtx.Unlock()

	var ttl time.Duration
	if flags&protocol.IsManager != 0 {
		ttl = time.Duration(t.env.GetIntDefault("ManagerTTL", config.DefaultManagerTTL)) * time.Second
	} else {
		ttl = time.Duration(t.env.GetIntDefault("DataServerTTL", config.DefaultDataServerTTL)) * time.Second
	}
	return inactive >= ttl
}

func (t *XRootD) Query(query uint16, channelData interface{}) (interface{}, status.Status) {
	info := channelData.(*channelInfo)
	info.mtx.Lock()
	defer info.mtx.Unlock()

	switch query {
	case postmaster.QueryTransportName:
		return "XRootD", status.OK()
	case postmaster.QueryProtocolVersion:
		return info.protocolVersion, status.OK()
	case postmaster.QueryServerFlags:
		return info.serverFlags, status.OK()
	case postmaster.QuerySIDManager:
		return info.sidMgr, status.OK()
	}
	return nil, status.New(status.SevError, status.ErrQueryNotSupported)
}

// Highjack consumes unsolicited attn frames that carry no embedded
// response; asynresp frames must reach the request handlers.
func (t *XRootD) Highjack(msg *protocol.Message, channelData interface{}) bool {
	if !msg.IsResponse() || msg.ResponseStatus() != protocol.StatusAttn {
		return false
	}
	code, err := protocol.AttnActionCode(msg)
	if err != nil || code == protocol.AttnAsynResp {
		return false
	}
	info := channelData.(*channelInfo)
	t.log.WithField("endpoint", info.url.HostID()).
		WithField("actnum", code).
		Debug("consuming unsolicited attn message")
	return true
}

// Disconnect resets the session state of a substream; a new session makes
// quarantined SIDs safe to reuse.
func (t *XRootD) Disconnect(channelData interface{}, streamNum, subStream uint16) {
	info := channelData.(*channelInfo)
	info.mtx.Lock()
	if subStream == 0 {
		info.sessionBytes = [protocol.SessionIDSize]byte{}
	}
	info.mtx.Unlock()
	if subStream == 0 {
		info.sidMgr.ReleaseAllTimedOut()
	}
}

// SessionBytes exposes the server-assigned session id of the endpoint.
func (t *XRootD) SessionBytes(channelData interface{}) [protocol.SessionIDSize]byte {
	info := channelData.(*channelInfo)
	info.mtx.Lock()
	defer info.mtx.Unlock()
	return info.sessionBytes
}
