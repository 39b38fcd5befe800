// Package postmaster implements the multiplexed request/response engine at
// the heart of the client: per-endpoint channels, streams and substreams,
// the event-driven socket handling, and the in/out queues that correlate
// wire frames with waiters.
package postmaster

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/taskman"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// PostMaster owns the channels to all remote endpoints and the two workers
// everything runs on: the socket poller and the task manager.
type PostMaster struct {
	mtx       sync.Mutex
	channels  map[string]*Channel
	poller    poller.Poller
	taskMgr   *taskman.TaskManager
	transport TransportHandler
	env       *config.Env
	log       logger.Logger
	instance  string
	running   bool
	finalized bool
}

// New builds a post master around the given transport. Call Start before
// the first Send and Stop (or Finalize) at shutdown.
func New(transport TransportHandler, env *config.Env, log logger.Logger) *PostMaster {
	if env == nil {
		env = config.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	instance := uuid.New().String()
	log = log.WithField("postmaster", instance[:8])
	return &PostMaster{
		channels:  make(map[string]*Channel),
		poller:    poller.New(log),
		taskMgr:   taskman.New(log),
		transport: transport,
		env:       env,
		log:       log,
		instance:  instance,
	}
}

// Start brings up the poller and task manager workers.
func (pm *PostMaster) Start() error {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	if pm.running {
		return errors.New("postmaster: already running")
	}
	if pm.finalized {
		return errors.New("postmaster: already finalized")
	}
	if err := pm.poller.Start(); err != nil {
		return err
	}
	if !pm.taskMgr.Start() {
		pm.poller.Stop() //nolint:errcheck
		return errors.New("postmaster: unable to start the task manager")
	}
	pm.running = true
	pm.log.Debug("post master started")
	return nil
}

// Stop halts the workers; channels stay around for a later Start.
func (pm *PostMaster) Stop() error {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	if !pm.running {
		return nil
	}
	if err := pm.poller.Stop(); err != nil {
		return err
	}
	pm.taskMgr.Stop()
	pm.running = false
	pm.log.Debug("post master stopped")
	return nil
}

// Finalize shuts every channel down and stops the workers. Idempotent.
func (pm *PostMaster) Finalize() {
	pm.mtx.Lock()
	if pm.finalized {
		pm.mtx.Unlock()
		return
	}
	pm.finalized = true
	channels := pm.channels
	pm.channels = make(map[string]*Channel)
	pm.mtx.Unlock()

	for _, c := range channels {
		c.Shutdown()
	}
	pm.Stop() //nolint:errcheck
}

// Instance is the unique id of this post master, used in log correlation.
func (pm *PostMaster) Instance() string { return pm.instance }

// TaskManager exposes the timed-callback scheduler to request handlers.
func (pm *PostMaster) TaskManager() *taskman.TaskManager { return pm.taskMgr }

// Env exposes the runtime configuration.
func (pm *PostMaster) Env() *config.Env { return pm.env }

// Send enqueues msg for url. handler.HandleStatus fires once the bytes are
// on the wire or the send failed; replies are delivered to handlers
// installed via Listen. A zero expires means the configured RequestTimeout.
func (pm *PostMaster) Send(url *xrdurl.URL, msg *protocol.Message,
	handler OutgoingStatusHandler, stateful bool, expires time.Time) status.Status {

	channel, st := pm.channel(url)
	if !st.IsOK() {
		return st
	}
	return channel.Send(msg, handler, stateful, pm.effectiveDeadline(expires))
}

// Listen installs handler on url's inbound queue until it removes itself or
// expires.
func (pm *PostMaster) Listen(url *xrdurl.URL, handler MessageHandler, expires time.Time) status.Status {
	channel, st := pm.channel(url)
	if !st.IsOK() {
		return st
	}
	return channel.Listen(handler, pm.effectiveDeadline(expires))
}

// Unlisten removes a previously installed handler.
func (pm *PostMaster) Unlisten(url *xrdurl.URL, handler MessageHandler) {
	channel, st := pm.channel(url)
	if !st.IsOK() {
		return
	}
	channel.Unlisten(handler)
}

// Receive blocks until a message matching filter arrives on url's channel
// or the deadline passes.
func (pm *PostMaster) Receive(url *xrdurl.URL, filter MessageFilter, expires time.Time) (*protocol.Message, status.Status) {
	channel, st := pm.channel(url)
	if !st.IsOK() {
		return nil, st
	}
	return channel.WaitForMsg(filter, pm.effectiveDeadline(expires))
}

// QueryTransport exposes transport attributes of url's channel.
func (pm *PostMaster) QueryTransport(url *xrdurl.URL, query uint16) (interface{}, status.Status) {
	channel, st := pm.channel(url)
	if !st.IsOK() {
		return nil, st
	}
	return channel.QueryTransport(query)
}

func (pm *PostMaster) RegisterEventHandler(url *xrdurl.URL, handler ChannelEventHandler) {
	if channel, st := pm.channel(url); st.IsOK() {
		channel.RegisterEventHandler(handler)
	}
}

func (pm *PostMaster) RemoveEventHandler(url *xrdurl.URL, handler ChannelEventHandler) {
	if channel, st := pm.channel(url); st.IsOK() {
		channel.RemoveEventHandler(handler)
	}
}

// channel returns the channel for the url, creating it lazily on first use.
func (pm *PostMaster) channel(url *xrdurl.URL) (*Channel, status.Status) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	if !pm.running {
		return nil, status.New(status.SevFatal, status.ErrUninitialized)
	}
	if c, ok := pm.channels[url.HostID()]; ok {
		return c, status.OK()
	}
	c := newChannel(url, pm.poller, pm.transport, pm.taskMgr, pm.env, pm.log)
	pm.channels[url.HostID()] = c
	return c, status.OK()
}

// effectiveDeadline resolves a zero deadline to "now + RequestTimeout".
func (pm *PostMaster) effectiveDeadline(expires time.Time) time.Time {
	if !expires.IsZero() {
		return expires
	}
	timeout := pm.env.GetIntDefault("RequestTimeout", config.DefaultRequestTimeout)
	return time.Now().Add(time.Duration(timeout) * time.Second)
}
