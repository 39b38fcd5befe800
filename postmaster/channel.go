package postmaster

import (
	"time"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/sidmgr"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/taskman"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// Channel bundles everything needed to talk to one endpoint: the transport's
// channel data, the streams, and the inbound queue.
type Channel struct {
	url         *xrdurl.URL
	transport   TransportHandler
	taskMgr     *taskman.TaskManager
	channelData interface{}
	inQueue     *InQueue
	chanEvs     *channelEventHandlerList
	streams     []*Stream
	tick        *tickGeneratorTask
	log         logger.Logger
}

// tickGeneratorTask drives the periodic timeout sweeps of one channel.
type tickGeneratorTask struct {
	channel    *Channel
	resolution time.Duration
	stopped    bool
}

func (t *tickGeneratorTask) Run(now time.Time) time.Time {
	if t.stopped {
		return time.Time{}
	}
	t.channel.Tick(now)
	return now.Add(t.resolution)
}

func (t *tickGeneratorTask) Name() string {
	return "TickGeneratorTask for " + t.channel.url.HostID()
}

func newChannel(url *xrdurl.URL, p poller.Poller, transport TransportHandler,
	taskMgr *taskman.TaskManager, env *config.Env, log logger.Logger) *Channel {

	numStreams := env.GetIntDefault("StreamsPerChannel", config.DefaultStreamsPerChannel)
	resolution := time.Duration(env.GetIntDefault("TimeoutResolution", config.DefaultTimeoutResolution)) * time.Second

	c := &Channel{
		url:       url,
		transport: transport,
		taskMgr:   taskMgr,
		inQueue:   NewInQueue(),
		chanEvs:   newChannelEventHandlerList(),
		log:       log.WithField("channel", url.HostID()),
	}
	c.log.WithField("streams", numStreams).Debug("creating new channel")

	c.channelData = transport.InitializeChannel(url)
	for i := 0; i < numStreams; i++ {
		c.streams = append(c.streams, newStream(url, uint16(i), transport, p,
			taskMgr, c.inQueue, c.channelData, c.chanEvs, env, log))
	}

	c.tick = &tickGeneratorTask{channel: c, resolution: resolution}
	taskMgr.RegisterTask(c.tick, time.Now().Add(resolution))
	return c
}

// Shutdown tears the channel down: streams disconnect, queued work fails,
// the transport state is finalized.
func (c *Channel) Shutdown() {
	c.tick.stopped = true
	c.taskMgr.UnregisterTask(c.tick)
	for _, s := range c.streams {
		s.Disconnect()
	}
	c.inQueue.ReportStreamEvent(StreamFatalError, 0,
		status.New(status.SevFatal, status.ErrStreamDisconnect))
	c.transport.FinalizeChannel(c.channelData)
}

// Send queues a message for the endpoint.
func (c *Channel) Send(msg *protocol.Message, handler OutgoingStatusHandler,
	stateful bool, expires time.Time) status.Status {
	return c.streams[0].Send(msg, handler, stateful, expires)
}

// Listen installs an asynchronous message handler.
func (c *Channel) Listen(handler MessageHandler, expires time.Time) status.Status {
	c.inQueue.AddMessageHandler(handler, expires)
	return status.OK()
}

func (c *Channel) Unlisten(handler MessageHandler) {
	c.inQueue.RemoveMessageHandler(handler)
}

// filterHandler adapts a MessageFilter to the blocking receive path.
type filterHandler struct {
	filter MessageFilter
	ch     chan filterResult
}

type filterResult struct {
	msg *protocol.Message
	st  status.Status
}

func (f *filterHandler) HandleMessage(msg *protocol.Message) HandlerAction {
	if !f.filter.Filter(msg) {
		return Ignore
	}
	select {
	case f.ch <- filterResult{msg: msg, st: status.OK()}:
	default:
	}
	return Take | RemoveHandler
}

func (f *filterHandler) HandleStreamEvent(ev StreamEvent, streamNum uint16, st status.Status) HandlerAction {
	if ev == StreamReady {
		return Ignore
	}
	select {
	case f.ch <- filterResult{st: st}:
	default:
	}
	return RemoveHandler
}

// WaitForMsg blocks until a frame matching the filter arrives or the
// deadline passes.
func (c *Channel) WaitForMsg(filter MessageFilter, expires time.Time) (*protocol.Message, status.Status) {
	fh := &filterHandler{filter: filter, ch: make(chan filterResult, 1)}
	c.inQueue.AddMessageHandler(fh, expires)

	var timeout <-chan time.Time
	if !expires.IsZero() {
		timer := time.NewTimer(time.Until(expires))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-fh.ch:
		if !res.st.IsOK() {
			return nil, res.st
		}
		return res.msg, status.OK()
	case <-timeout:
		c.inQueue.RemoveMessageHandler(fh)
		return nil, status.New(status.SevError, status.ErrOperationExpired)
	}
}

// QueryTransport exposes the transport attributes of the endpoint.
func (c *Channel) QueryTransport(query uint16) (interface{}, status.Status) {
	return c.transport.Query(query, c.channelData)
}

func (c *Channel) RegisterEventHandler(handler ChannelEventHandler) {
	c.chanEvs.AddHandler(handler)
}

func (c *Channel) RemoveEventHandler(handler ChannelEventHandler) {
	c.chanEvs.RemoveHandler(handler)
}

// Tick forwards the clock to the streams and sweeps the SID quarantine.
func (c *Channel) Tick(now time.Time) {
	for _, s := range c.streams {
		s.Tick(now)
	}
	if res, st := c.transport.Query(QuerySIDManager, c.channelData); st.IsOK() {
		if mgr, ok := res.(*sidmgr.Manager); ok {
			mgr.Sweep(now)
		}
	}
}
