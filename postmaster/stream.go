package postmaster

import (
	"fmt"
	"net"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/taskman"
	"github.com/xrdclient/xrdclient/util/chainlock"
	"github.com/xrdclient/xrdclient/xrdurl"
)

type subStreamStatus uint8

const (
	subDisconnected subStreamStatus = iota
	subConnecting
	subConnected
)

// subStreamData bundles one substream: its socket handler, its outbound
// queue, and the single "writing" slot holding the item currently on its way
// to the kernel.
type subStreamData struct {
	socket   *asyncSocketHandler
	outQueue *OutQueue
	writing  *OutItem
	enqueued time.Time
	status   subStreamStatus
}

const latencyWindow = 64

// Stream orchestrates the connection lifecycle of one endpoint: address
// resolution, substream fan-out, the reconnection windows, and the session
// id.
type Stream struct {
	url       *xrdurl.URL
	streamNum uint16
	name      string
	log       logger.Logger

	transport   TransportHandler
	poller      poller.Poller
	taskMgr     *taskman.TaskManager
	inQueue     *InQueue
	channelData interface{}
	chanEvs     *channelEventHandlerList

	mtx        *chainlock.L
	subStreams []*subStreamData
	addresses  []net.IP

	lastStreamError    time.Time
	connectionCount    int
	connectionInitTime time.Time
	sessionID          uint64
	lastActivity       time.Time

	connectionWindow  time.Duration
	connectionRetry   int
	streamErrorWindow time.Duration
	timeoutResolution time.Duration

	// write latencies of recently sent messages, from leaving the out queue
	// to reaching the kernel (time spent waiting in the queue is not
	// counted), reported by Tick
	latencies []float64
}

func newStream(url *xrdurl.URL, streamNum uint16, transport TransportHandler,
	p poller.Poller, taskMgr *taskman.TaskManager, inQueue *InQueue,
	channelData interface{}, chanEvs *channelEventHandlerList,
	env *config.Env, log logger.Logger) *Stream {

	s := &Stream{
		url:         url,
		streamNum:   streamNum,
		name:        fmt.Sprintf("%s #%d", url.HostID(), streamNum),
		transport:   transport,
		poller:      p,
		taskMgr:     taskMgr,
		inQueue:     inQueue,
		channelData: channelData,
		chanEvs:     chanEvs,
		mtx:         chainlock.New(),

		connectionWindow:  time.Duration(env.GetIntDefault("ConnectionWindow", config.DefaultConnectionWindow)) * time.Second,
		connectionRetry:   env.GetIntDefault("ConnectionRetry", config.DefaultConnectionRetry),
		streamErrorWindow: time.Duration(env.GetIntDefault("StreamErrorWindow", config.DefaultStreamErrorWindow)) * time.Second,
		timeoutResolution: time.Duration(env.GetIntDefault("TimeoutResolution", config.DefaultTimeoutResolution)) * time.Second,
	}
	s.log = log.WithField("stream", s.name)

	sub := &subStreamData{outQueue: NewOutQueue()}
	sub.socket = newAsyncSocketHandler(p, transport, channelData, 0, s)
	s.subStreams = []*subStreamData{sub}
	return s
}

func (s *Stream) Name() string { return s.name }

// SessionID reports the current session; it increments on each successful
// reconnection of substream 0.
func (s *Stream) SessionID() uint64 {
	defer s.mtx.Lock().Unlock()
	return s.sessionID
}

// EnableLink makes sure a usable path to the endpoint exists, starting a
// connection attempt when substream 0 is down. Callers hold the stream
// mutex.
func (s *Stream) enableLinkLocked(path *PathID) status.Status {
	// substream 0 is connecting: it will bring up the rest once ready
	if s.subStreams[0].status == subConnecting {
		return status.OK()
	}

	// Substream 0 is up: fall back to it for any path that is not.
	if s.subStreams[0].status == subConnected {
		if int(path.Down) >= len(s.subStreams) || s.subStreams[path.Down].status != subConnected {
			path.Down = 0
		}
		if int(path.Up) >= len(s.subStreams) || s.subStreams[path.Up].status == subDisconnected {
			path.Up = 0
			return s.subStreams[0].socket.EnableUplink()
		}
		if s.subStreams[path.Up].status == subConnected {
			return s.subStreams[path.Up].socket.EnableUplink()
		}
		return status.OK()
	}

	// Substream 0 is down. Fail fast within the stream error window.
	now := time.Now()
	if !s.lastStreamError.IsZero() && now.Sub(s.lastStreamError) < s.streamErrorWindow {
		return status.New(status.SevFatal, status.ErrConnectionError)
	}

	s.connectionInitTime = now
	s.connectionCount++

	// (re-)resolve the host
	if len(s.addresses) == 0 {
		ips, err := net.LookupIP(s.url.Host())
		if err != nil || len(ips) == 0 {
			s.log.WithError(err).Error("unable to resolve IP address for the host")
			s.lastStreamError = now
			return status.New(status.SevFatal, status.ErrInvalidAddr)
		}
		s.addresses = ips
		s.log.WithField("addresses", len(ips)).Debug("host resolved")
	}

	addr := s.addresses[len(s.addresses)-1]
	s.addresses = s.addresses[:len(s.addresses)-1]
	s.subStreams[0].socket.SetAddress(addr, s.url.Port())
	st := s.subStreams[0].socket.Connect(s.connectionWindow)
	if st.IsOK() {
		s.subStreams[0].status = subConnecting
	}
	return st
}

// Send queues the message. Stateful messages bound to an older session are
// rejected without touching the wire.
func (s *Stream) Send(msg *protocol.Message, handler OutgoingStatusHandler,
	stateful bool, expires time.Time) status.Status {

	defer s.mtx.Lock().Unlock()

	if msg.SessionID() != 0 &&
		(s.subStreams[0].status != subConnected || s.sessionID != msg.SessionID()) {
		return status.New(status.SevError, status.ErrInvalidSession)
	}

	path := s.transport.Multiplex(msg, s.channelData, nil)
	if int(path.Up) >= len(s.subStreams) {
		s.log.WithField("msg", msg.Description()).
			WithField("substream", path.Up).
			Warn("unable to send through requested substream, using 0 instead")
		path.Up = 0
	}

	st := s.enableLinkLocked(&path)
	if !st.IsOK() {
		return st.Fatalize()
	}

	// let the transport rewrite the message for the final path
	s.transport.Multiplex(msg, s.channelData, &path)
	s.log.WithField("msg", msg.Description()).
		WithField("up", path.Up).WithField("down", path.Down).
		Debug("queueing message")

	s.subStreams[path.Up].outQueue.PushBack(&OutItem{
		Msg: msg, Handler: handler, Expires: expires, Stateful: stateful,
	})
	s.lastActivity = time.Now()
	return status.OK()
}

// ForceConnect re-runs the connection sequence; used by the back-off task.
func (s *Stream) ForceConnect() {
	s.mtx.Lock()
	s.subStreams[0].status = subDisconnected
	path := PathID{0, 0}
	st := s.enableLinkLocked(&path)
	s.mtx.Unlock()
	if !st.IsOK() {
		s.OnConnectError(0, st)
	}
}

// Disconnect tears down every substream.
func (s *Stream) Disconnect() {
	defer s.mtx.Lock().Unlock()
	s.disconnectLocked()
}

func (s *Stream) disconnectLocked() {
	for i, sub := range s.subStreams {
		if sub.status != subDisconnected {
			sub.socket.Close()
			sub.status = subDisconnected
			s.transport.Disconnect(s.channelData, s.streamNum, uint16(i))
		}
	}
}

// Tick sweeps expired outbound items and reports the recent write latency.
func (s *Stream) Tick(now time.Time) {
	expired := NewOutQueue()
	s.mtx.Lock()
	for _, sub := range s.subStreams {
		expired.GrabExpired(sub.outQueue, now)
	}
	lat := s.latencies
	s.latencies = nil
	s.mtx.Unlock()

	expired.Report(status.New(status.SevError, status.ErrSocketTimeout))

	if len(lat) > 0 {
		mean, _ := stats.Mean(lat)
		p95, _ := stats.Percentile(lat, 95)
		s.log.WithField("sent", len(lat)).
			WithField("queue_ms_mean", fmt.Sprintf("%.2f", mean)).
			WithField("queue_ms_p95", fmt.Sprintf("%.2f", p95)).
			Debug("queue latency report")
	}

	if s.streamNum == 0 {
		s.inQueue.ReportTimeout(now)
	}
}

// OnIncoming runs for every message reconstructed by a socket handler. The
// frame is stamped with the session id, offered to the transport for
// hijacking, and then pushed into the inbound queue.
func (s *Stream) OnIncoming(subStream uint16, msg *protocol.Message) {
	s.mtx.Lock()
	msg.SetSessionID(s.sessionID)
	s.lastActivity = time.Now()
	s.mtx.Unlock()

	if s.transport.Highjack(msg, s.channelData) {
		return
	}
	s.inQueue.AddMessage(msg)
}

// OnReadyToWrite pops the next outbound item into the substream's writing
// slot, or disables the uplink when there is nothing to send.
func (s *Stream) OnReadyToWrite(subStream uint16) *OutItem {
	defer s.mtx.Lock().Unlock()
	sub := s.subStreams[subStream]

	item := sub.outQueue.PopFront()
	if item == nil {
		s.log.WithField("substream", subStream).Debug("nothing to write, disable uplink")
		sub.socket.DisableUplink()
		return nil
	}
	sub.writing = item
	sub.enqueued = time.Now()
	return item
}

// OnMessageSent confirms the bytes of the writing slot reached the kernel:
// the status handler fires exactly once, before any reply can be delivered.
func (s *Stream) OnMessageSent(subStream uint16, item *OutItem) {
	s.mtx.Lock()
	sub := s.subStreams[subStream]
	sub.writing = nil
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, float64(time.Since(sub.enqueued))/float64(time.Millisecond))
	}
	s.lastActivity = time.Now()
	s.mtx.Unlock()

	item.Report(status.OK())
}

// OnConnect runs when a substream completes its handshake. For substream 0
// this starts a new session and brings up the peripheral substreams.
func (s *Stream) OnConnect(subStream uint16) {
	defer s.mtx.Lock().Unlock()
	sub := s.subStreams[subStream]
	sub.status = subConnected
	s.log.WithField("substream", subStream).Debug("substream connected")

	if subStream != 0 {
		return
	}

	s.lastStreamError = time.Time{}
	s.connectionCount = 0
	s.addresses = nil
	s.sessionID++
	s.lastActivity = time.Now()

	s.mtx.DropWhile(func() {
		s.chanEvs.ReportEvent(ChannelStreamReady, s.streamNum, status.OK())
	})

	// create the substreams the transport negotiated, if not done before
	numSub := s.transport.SubStreamNumber(s.channelData)
	if len(s.subStreams) == 1 && numSub > 1 {
		for i := uint16(1); i < numSub; i++ {
			sub := &subStreamData{outQueue: NewOutQueue()}
			sub.socket = newAsyncSocketHandler(s.poller, s.transport, s.channelData, i, s)
			s.subStreams = append(s.subStreams, sub)
		}
	}

	// Connect the extra substreams; failures move their work to substream 0.
	if len(s.subStreams) > 1 {
		s.log.WithField("count", len(s.subStreams)-1).
			Debug("attempting to connect additional substreams")
		ip, port := s.subStreams[0].socket.Address()
		for i := 1; i < len(s.subStreams); i++ {
			if s.subStreams[i].status != subDisconnected {
				continue
			}
			s.subStreams[i].socket.SetAddress(ip, port)
			st := s.subStreams[i].socket.Connect(s.connectionWindow)
			if !st.IsOK() {
				s.subStreams[0].outQueue.GrabItems(s.subStreams[i].outQueue)
				s.subStreams[i].socket.Close()
			} else {
				s.subStreams[i].status = subConnecting
			}
		}
	}
}

// streamConnectorTask re-runs the connect sequence at the end of the
// connection window.
type streamConnectorTask struct {
	stream *Stream
}

func (t *streamConnectorTask) Run(now time.Time) time.Time {
	t.stream.ForceConnect()
	return time.Time{}
}

func (t *streamConnectorTask) Name() string {
	return "StreamConnectorTask for " + t.stream.name
}

// OnConnectError handles a failure while connecting or handshaking.
func (s *Stream) OnConnectError(subStream uint16, st status.Status) {
	s.mtx.Lock()
	prom.ConnectionFailures.Inc()
	sub := s.subStreams[subStream]
	sub.socket.Close()
	now := time.Now()

	// Peripheral substream: give up on it and fold its queue into 0.
	if subStream > 0 {
		sub.status = subDisconnected
		s.subStreams[0].outQueue.GrabItems(sub.outQueue)
		if s.subStreams[0].status == subConnected {
			enableSt := s.subStreams[0].socket.EnableUplink()
			if !enableSt.IsOK() {
				s.onFatalErrorLocked(0, enableSt)
				return
			}
			s.mtx.Unlock()
			return
		}
		if s.subStreams[0].status == subConnecting {
			s.mtx.Unlock()
			return
		}
		s.onFatalErrorLocked(subStream, st)
		return
	}

	// Still inside the connection window?
	elapsed := now.Sub(s.connectionInitTime)
	if elapsed < s.connectionWindow {
		// try the next resolved address
		if len(s.addresses) > 0 {
			addr := s.addresses[len(s.addresses)-1]
			s.addresses = s.addresses[:len(s.addresses)-1]
			sub.socket.SetAddress(addr, s.url.Port())
			connectSt := sub.socket.Connect(s.connectionWindow - elapsed)
			if !connectSt.IsOK() {
				s.onFatalErrorLocked(subStream, connectSt)
				return
			}
			s.mtx.Unlock()
			return
		}

		// sleep until the end of the window, then retry from scratch
		if s.connectionCount < s.connectionRetry {
			retryAt := s.connectionInitTime.Add(s.connectionWindow)
			s.log.WithField("at", retryAt).Info("attempting reconnection")
			s.taskMgr.RegisterTask(&streamConnectorTask{s}, retryAt)
			s.mtx.Unlock()
			return
		}

		s.onFatalErrorLocked(subStream, status.New(status.SevFatal, status.ErrConnectionError))
		return
	}

	// Out of the window: re-resolve and retry if attempts remain.
	if s.connectionCount < s.connectionRetry {
		s.addresses = nil
		sub.status = subDisconnected
		path := PathID{0, 0}
		enableSt := s.enableLinkLocked(&path)
		if !enableSt.IsOK() {
			s.onFatalErrorLocked(subStream, status.New(status.SevFatal, status.ErrConnectionError))
			return
		}
		s.mtx.Unlock()
		return
	}

	s.onFatalErrorLocked(subStream, status.New(status.SevFatal, status.ErrConnectionError))
}

// OnError handles a failure of an established substream.
func (s *Stream) OnError(subStream uint16, st status.Status) {
	s.mtx.Lock()
	sub := s.subStreams[subStream]
	sub.socket.Close()
	sub.status = subDisconnected
	s.transport.Disconnect(s.channelData, s.streamNum, subStream)

	s.log.WithField("substream", subStream).
		WithField("status", st.String()).
		Debug("recovering substream error")

	// put back whatever was in the writing slot
	if sub.writing != nil {
		sub.outQueue.PushFront(sub.writing)
		sub.writing = nil
	}

	// Peripheral substream: migrate pending work to substream 0.
	if subStream > 0 {
		if sub.outQueue.IsEmpty() {
			s.mtx.Unlock()
			return
		}
		if s.subStreams[0].status != subDisconnected {
			s.subStreams[0].outQueue.GrabItems(sub.outQueue)
			if s.subStreams[0].status == subConnected {
				enableSt := s.subStreams[0].socket.EnableUplink()
				if !enableSt.IsOK() {
					s.onFatalErrorLocked(0, enableSt)
					return
				}
			}
			s.mtx.Unlock()
			return
		}
		s.onFatalErrorLocked(subStream, st)
		return
	}

	// Substream 0 is gone, the session is lost. Reconnect only if stateless
	// items remain; stateful ones cannot survive the session change.
	outstanding := 0
	for _, ss := range s.subStreams {
		outstanding += ss.outQueue.SizeStateless()
	}

	if outstanding > 0 {
		path := PathID{0, 0}
		enableSt := s.enableLinkLocked(&path)
		if !enableSt.IsOK() {
			s.onFatalErrorLocked(0, enableSt)
			return
		}
	}

	s.log.Debug("reporting disconnection to queued message handlers")
	drained := NewOutQueue()
	for _, ss := range s.subStreams {
		drained.GrabStateful(ss.outQueue)
	}
	s.mtx.Unlock()

	drained.Report(st)
	s.inQueue.ReportStreamEvent(StreamBroken, s.streamNum, st)
	s.chanEvs.ReportEvent(ChannelStreamBroken, s.streamNum, st)
}

// onFatalErrorLocked gives up on the stream: every queued item receives an
// error callback and the stream error window opens. The mutex is released
// before reporting.
func (s *Stream) onFatalErrorLocked(subStream uint16, st status.Status) {
	s.subStreams[subStream].status = subDisconnected
	s.log.WithField("status", st.String()).Error("unable to recover")

	s.connectionCount = 0
	s.lastStreamError = time.Now()

	drained := NewOutQueue()
	for _, ss := range s.subStreams {
		if ss.writing != nil {
			ss.outQueue.PushFront(ss.writing)
			ss.writing = nil
		}
		drained.GrabItems(ss.outQueue)
	}
	s.mtx.Unlock()

	st = st.Fatalize()
	drained.Report(st)
	s.inQueue.ReportStreamEvent(StreamFatalError, s.streamNum, st)
	s.chanEvs.ReportEvent(ChannelFatalError, s.streamNum, st)
}

// OnReadTimeout fires when a connected substream saw no traffic for the
// supervision interval; idle connections past the transport TTL are dropped.
func (s *Stream) OnReadTimeout(subStream uint16) {
	defer s.mtx.Lock().Unlock()
	if subStream != 0 {
		return
	}

	busy := s.inQueue.HandlerCount() > 0
	for _, ss := range s.subStreams {
		if !ss.outQueue.IsEmpty() || ss.writing != nil {
			busy = true
		}
	}
	if busy {
		return
	}

	inactive := time.Since(s.lastActivity)
	if s.transport.IsStreamTTLElapsed(inactive, s.channelData) {
		s.log.WithField("inactive", inactive.String()).Debug("stream TTL elapsed, disconnecting")
		s.disconnectLocked()
	}
}

func (s *Stream) RegisterEventHandler(handler ChannelEventHandler) {
	s.chanEvs.AddHandler(handler)
}

func (s *Stream) RemoveEventHandler(handler ChannelEventHandler) {
	s.chanEvs.RemoveHandler(handler)
}
