package postmaster

import (
	"fmt"
	"net"
	"time"

	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/xrdurl"
)

type socketPhase uint8

const (
	phaseIdle socketPhase = iota
	phaseConnecting
	phaseHandShaking
	phaseConnected
)

// asyncSocketHandler owns one substream's socket: it drives the non-blocking
// connect, the transport handshake, and the read/write pumps, translating
// poller events into stream callbacks. All event handling runs on the poller
// worker; the stream serializes everything else through its own mutex.
type asyncSocketHandler struct {
	poller      poller.Poller
	transport   TransportHandler
	channelData interface{}
	subStream   uint16
	stream      *Stream
	url         *xrdurl.URL
	log         logger.Logger

	sock  *poller.Socket
	phase socketPhase

	hs      *HandShakeData
	hsOut   *protocol.Message
	hsDone  bool
	in      *protocol.Message
	outItem *OutItem

	addr          net.IP
	port          int
	uplinkTimeout time.Duration
	readTimeout   time.Duration
}

func newAsyncSocketHandler(p poller.Poller, transport TransportHandler,
	channelData interface{}, subStream uint16, stream *Stream) *asyncSocketHandler {

	return &asyncSocketHandler{
		poller:        p,
		transport:     transport,
		channelData:   channelData,
		subStream:     subStream,
		stream:        stream,
		url:           stream.url,
		log:           stream.log.WithField("substream", subStream),
		uplinkTimeout: stream.timeoutResolution,
		readTimeout:   stream.timeoutResolution,
	}
}

func (h *asyncSocketHandler) SetAddress(ip net.IP, port int) {
	h.addr = ip
	h.port = port
}

func (h *asyncSocketHandler) Address() (net.IP, int) {
	return h.addr, h.port
}

// Connect initiates a non-blocking connect; completion or failure arrives as
// a poller event within the given window.
func (h *asyncSocketHandler) Connect(window time.Duration) status.Status {
	h.sock = poller.NewSocket()
	st := h.sock.Connect(h.addr, h.port)
	if !st.IsOK() {
		h.sock.Close()
		h.sock = nil
		return st
	}
	h.sock.SetName(fmt.Sprintf("%s #%d %s", h.url.HostID(), h.subStream, h.sock.Name()))
	h.phase = phaseConnecting
	h.hs = nil
	h.hsOut = nil
	h.in = nil

	prom.ConnectionAttempts.Inc()
	if err := h.poller.AddSocket(h.sock, h); err != nil {
		h.log.WithError(err).Error("unable to register socket with the poller")
		h.close()
		return status.New(status.SevError, status.ErrPollerError)
	}
	if err := h.poller.EnableWriteNotification(h.sock, true, window); err != nil {
		h.log.WithError(err).Error("unable to enable write notifications")
		h.close()
		return status.New(status.SevError, status.ErrPollerError)
	}
	return status.OK()
}

func (h *asyncSocketHandler) Close() {
	h.close()
}

func (h *asyncSocketHandler) close() {
	if h.sock != nil {
		h.poller.RemoveSocket(h.sock)
		h.sock.Close()
		h.sock = nil
	}
	h.phase = phaseIdle
	h.hs = nil
	h.hsOut = nil
	h.in = nil
	h.outItem = nil
}

// EnableUplink asks for write readiness events; the stream calls it whenever
// there is something to send.
func (h *asyncSocketHandler) EnableUplink() status.Status {
	if h.sock == nil {
		return status.New(status.SevError, status.ErrSocketDisconnected)
	}
	if err := h.poller.EnableWriteNotification(h.sock, true, h.uplinkTimeout); err != nil {
		return status.New(status.SevError, status.ErrPollerError)
	}
	return status.OK()
}

func (h *asyncSocketHandler) DisableUplink() status.Status {
	if h.sock == nil {
		return status.New(status.SevError, status.ErrSocketDisconnected)
	}
	if err := h.poller.EnableWriteNotification(h.sock, false, 0); err != nil {
		return status.New(status.SevError, status.ErrPollerError)
	}
	return status.OK()
}

// Event dispatches a poller readiness event. Runs on the poller worker.
func (h *asyncSocketHandler) Event(ev poller.EventType, sock *poller.Socket) {
	promPoller(ev)
	switch {
	case ev&poller.ReadyToWrite != 0:
		h.onWriteReady()
	case ev&poller.ReadyToRead != 0:
		h.onReadReady()
	case ev&poller.WriteTimeout != 0:
		h.onWriteTimeout()
	case ev&poller.ReadTimeout != 0:
		h.onReadTimeout()
	}
}

func (h *asyncSocketHandler) onWriteReady() {
	switch h.phase {
	case phaseConnecting:
		h.finishConnect()
	case phaseHandShaking:
		h.writeHandShake()
	case phaseConnected:
		h.writeMessages()
	}
}

func (h *asyncSocketHandler) onReadReady() {
	switch h.phase {
	case phaseHandShaking:
		h.readHandShake()
	case phaseConnected:
		h.readMessages()
	}
}

func (h *asyncSocketHandler) onWriteTimeout() {
	switch h.phase {
	case phaseConnecting, phaseHandShaking:
		h.stream.OnConnectError(h.subStream, status.New(status.SevError, status.ErrSocketTimeout))
	case phaseConnected:
		if h.outItem != nil {
			h.stream.OnError(h.subStream, status.New(status.SevError, status.ErrSocketTimeout))
		}
	}
}

func (h *asyncSocketHandler) onReadTimeout() {
	switch h.phase {
	case phaseHandShaking:
		h.stream.OnConnectError(h.subStream, status.New(status.SevError, status.ErrSocketTimeout))
	case phaseConnected:
		h.stream.OnReadTimeout(h.subStream)
	}
}

// finishConnect confirms the non-blocking connect and kicks off the
// handshake.
func (h *asyncSocketHandler) finishConnect() {
	if st := h.sock.FinishConnect(); !st.IsOK() {
		h.log.WithField("status", st.String()).Debug("connect failed")
		h.stream.OnConnectError(h.subStream, st)
		return
	}
	h.log.Debug("connected, starting hand shake")

	h.phase = phaseHandShaking
	h.hs = &HandShakeData{
		URL:          h.url,
		StreamNum:    h.stream.streamNum,
		SubStreamNum: h.subStream,
	}
	h.stepHandShake()
}

// stepHandShake advances the transport handshake with whatever arrived in
// hs.In and arranges I/O for the transport's answer.
func (h *asyncSocketHandler) stepHandShake() {
	done, st := h.transport.HandShake(h.hs, h.channelData)
	if !st.IsOK() {
		h.stream.OnConnectError(h.subStream, st)
		return
	}
	h.hs.In = nil
	h.hsDone = done

	if h.hs.Out != nil {
		h.hsOut = h.hs.Out
		h.hs.Out = nil
		h.hsOut.ResetCursor()
		if err := h.poller.EnableWriteNotification(h.sock, true, h.stream.connectionWindow); err != nil {
			h.stream.OnConnectError(h.subStream, status.New(status.SevError, status.ErrPollerError))
		}
		return
	}

	if done {
		h.becomeConnected()
		return
	}

	// need more data from the server
	if err := h.poller.EnableReadNotification(h.sock, true, h.stream.connectionWindow); err != nil {
		h.stream.OnConnectError(h.subStream, status.New(status.SevError, status.ErrPollerError))
	}
}

func (h *asyncSocketHandler) writeHandShake() {
	if h.hsOut == nil {
		h.DisableUplink()
		return
	}
	st := h.writeCurrent(h.hsOut)
	if st.IsRetry() {
		return
	}
	if !st.IsOK() {
		h.stream.OnConnectError(h.subStream, st)
		return
	}
	h.hsOut = nil
	if h.hsDone {
		h.becomeConnected()
		return
	}
	h.DisableUplink()
	if err := h.poller.EnableReadNotification(h.sock, true, h.stream.connectionWindow); err != nil {
		h.stream.OnConnectError(h.subStream, status.New(status.SevError, status.ErrPollerError))
	}
}

func (h *asyncSocketHandler) readHandShake() {
	if h.hs.In == nil {
		h.hs.In = protocol.NewMessage(0)
	}
	st := h.transport.GetMessage(h.hs.In, h.sock)
	if st.IsRetry() {
		return
	}
	if !st.IsOK() {
		h.stream.OnConnectError(h.subStream, st)
		return
	}
	h.stepHandShake()
}

// becomeConnected flips the substream to connected and re-enables both
// directions: reads with the TTL supervision timeout, writes so queued work
// drains.
func (h *asyncSocketHandler) becomeConnected() {
	h.phase = phaseConnected
	h.hs = nil
	h.log.Debug("hand shake completed")

	if err := h.poller.EnableReadNotification(h.sock, true, h.readTimeout); err != nil {
		h.stream.OnError(h.subStream, status.New(status.SevError, status.ErrPollerError))
		return
	}
	h.stream.OnConnect(h.subStream)
	if st := h.EnableUplink(); !st.IsOK() {
		h.stream.OnError(h.subStream, st)
	}
}

func (h *asyncSocketHandler) writeMessages() {
	for {
		if h.outItem == nil {
			h.outItem = h.stream.OnReadyToWrite(h.subStream)
			if h.outItem == nil {
				// queue empty; the stream disabled the uplink
				return
			}
			h.outItem.Msg.ResetCursor()
		}

		st := h.writeCurrent(h.outItem.Msg)
		if st.IsRetry() {
			return
		}
		if !st.IsOK() {
			h.stream.OnError(h.subStream, st)
			return
		}

		sent := h.outItem
		h.outItem = nil
		prom.MessagesSent.Inc()
		prom.BytesSent.Add(float64(sent.Msg.Size()))
		h.stream.OnMessageSent(h.subStream, sent)
	}
}

// writeCurrent pushes the unsent tail of msg into the socket. SuRetry means
// the kernel buffer filled up; the cursor keeps the position.
func (h *asyncSocketHandler) writeCurrent(msg *protocol.Message) status.Status {
	for msg.Cursor() < msg.Size() {
		n, st := h.sock.Write(msg.BufferAtCursor())
		if !st.IsOK() || st.IsRetry() {
			return st
		}
		msg.AdvanceCursor(n)
	}
	return status.OK()
}

func (h *asyncSocketHandler) readMessages() {
	for {
		if h.in == nil {
			h.in = protocol.NewMessage(0)
		}
		st := h.transport.GetMessage(h.in, h.sock)
		if st.IsRetry() {
			return
		}
		if !st.IsOK() {
			h.stream.OnError(h.subStream, st)
			return
		}

		msg := h.in
		h.in = nil
		prom.MessagesReceived.Inc()
		prom.BytesReceived.Add(float64(msg.Size()))
		h.stream.OnIncoming(h.subStream, msg)
	}
}

func (h *asyncSocketHandler) StreamName() string {
	if h.sock != nil {
		return h.sock.Name()
	}
	return fmt.Sprintf("%s #%d", h.url.HostID(), h.subStream)
}
