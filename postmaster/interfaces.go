package postmaster

import (
	"time"

	"github.com/xrdclient/xrdclient/poller"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/status"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// HandlerAction is the bit set returned by MessageHandler.HandleMessage:
// Take claims the frame, RemoveHandler uninstalls the handler.
type HandlerAction uint8

const (
	Ignore        HandlerAction = 0x00
	Take          HandlerAction = 0x01
	RemoveHandler HandlerAction = 0x02
)

// StreamEvent is a channel-level condition reported to installed message
// handlers.
type StreamEvent uint8

const (
	StreamReady StreamEvent = iota + 1
	StreamBroken
	StreamTimeout
	StreamFatalError
)

func (e StreamEvent) String() string {
	switch e {
	case StreamReady:
		return "Ready"
	case StreamBroken:
		return "Broken"
	case StreamTimeout:
		return "Timeout"
	case StreamFatalError:
		return "FatalError"
	default:
		return "Unknown"
	}
}

// MessageHandler examines inbound frames on a channel. Handlers are offered
// frames in installation order until one returns Take.
type MessageHandler interface {
	// HandleMessage examines the frame and returns the action bits.
	HandleMessage(msg *protocol.Message) HandlerAction
	// HandleStreamEvent reports a channel-level condition. The returned
	// action may carry RemoveHandler.
	HandleStreamEvent(ev StreamEvent, streamNum uint16, st status.Status) HandlerAction
}

// OutgoingStatusHandler learns the fate of a queued outbound message:
// exactly one HandleStatus call per Send, either once the bytes are on the
// wire or when the send fails.
type OutgoingStatusHandler interface {
	HandleStatus(msg *protocol.Message, st status.Status)
}

// MessageFilter is the predicate used by the blocking receive path.
type MessageFilter interface {
	Filter(msg *protocol.Message) bool
}

// ChannelEvent is a coarse notification for RegisterEventHandler clients.
type ChannelEvent uint8

const (
	ChannelStreamReady ChannelEvent = iota + 1
	ChannelStreamBroken
	ChannelFatalError
)

// ChannelEventHandler receives channel lifecycle notifications. Returning
// false removes the handler.
type ChannelEventHandler interface {
	HandleChannelEvent(ev ChannelEvent, streamNum uint16, st status.Status) bool
}

// PathID names the substream pair chosen for a message: Up carries the
// outbound write, Down is expected to carry the reply.
type PathID struct {
	Up   uint16
	Down uint16
}

// HandShakeData is the per-substream scratch state of an in-progress
// negotiation. The transport reads In, advances Step, and leaves the next
// frame to send in Out (nil when it only expects more data).
type HandShakeData struct {
	URL          *xrdurl.URL
	StreamNum    uint16
	SubStreamNum uint16
	Step         int
	In           *protocol.Message
	Out          *protocol.Message
}

// Transport queries understood by QueryTransport.
const (
	QueryTransportName uint16 = iota + 1
	QueryProtocolVersion
	QueryServerFlags
	QuerySIDManager
)

// TransportHandler is the pluggable protocol codec: it owns the handshake,
// frame reassembly, substream selection, and the channel data attached to
// each endpoint.
type TransportHandler interface {
	// InitializeChannel builds the opaque per-endpoint state.
	InitializeChannel(url *xrdurl.URL) interface{}
	FinalizeChannel(channelData interface{})

	// HandShake advances the negotiation by one step. done reports that the
	// substream is ready once hs.Out (if any) has been written.
	HandShake(hs *HandShakeData, channelData interface{}) (done bool, st status.Status)

	// GetMessage reassembles one framed message from a non-blocking socket.
	// SuRetry means more data is needed; the partially filled message is
	// carried over to the next call.
	GetMessage(msg *protocol.Message, sock *poller.Socket) status.Status

	// Multiplex picks the substream pair for an outbound message and may
	// rewrite the message so the server answers on the Down substream.
	// A non-nil hint pins the decision after fallback.
	Multiplex(msg *protocol.Message, channelData interface{}, hint *PathID) PathID

	// StreamNumber and SubStreamNumber report how many streams and
	// substreams the endpoint supports, once known from the handshake.
	StreamNumber(channelData interface{}) uint16
	SubStreamNumber(channelData interface{}) uint16

	// IsStreamTTLElapsed decides whether an idle connection should be
	// dropped.
	IsStreamTTLElapsed(inactive time.Duration, channelData interface{}) bool

	// Query exposes transport attributes to QueryTransport.
	Query(query uint16, channelData interface{}) (interface{}, status.Status)

	// Highjack lets the transport consume an unsolicited inbound message
	// invisibly to the user.
	Highjack(msg *protocol.Message, channelData interface{}) bool

	// Disconnect tells the transport a substream went away.
	Disconnect(channelData interface{}, streamNum, subStream uint16)
}
