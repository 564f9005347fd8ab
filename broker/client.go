package broker

import (
	"bytes"
	"time"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/network"
	"github.com/relaymq/broker/qos"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/topic"
)

// clientState is the per-connection protocol state, independent of the
// underlying session which may outlive the TCP connection.
type clientState byte

const (
	stateAwaitingConnect clientState = iota
	stateConnected
	stateDisconnecting
)

// client holds everything the reactor needs to drive one connection. It
// is only ever touched from the reactor goroutine, so it carries no
// locking of its own.
type client struct {
	conn  *network.Connection
	state clientState

	clientID        string
	protocolVersion encoding.ProtocolVersion
	keepAlive       uint16
	receiveMaximum  uint16
	maxPacketSize   uint32
	sessionPresent  bool

	sess *session.Session

	// qosIn tracks QoS 1/2 messages this client publishes to the broker
	// (dedup + ack-back). qosOut tracks QoS 1/2 messages the broker
	// delivers to this client as a subscriber (retry + inflight cap).
	qosIn  *qos.Handler
	qosOut *qos.Handler

	// topicAliases maps an alias set by this client (in a PUBLISH it
	// sent) to the full topic name, per MQTT 5 section 3.3.2.3.4. It is
	// reset whenever the connection is replaced.
	topicAliases *topic.Alias

	// serverAliases tracks aliases this broker has handed out to the
	// client for outbound PUBLISH compression.
	serverAliases map[string]uint16
	nextAlias     uint16

	// inbuf accumulates bytes read off the socket until a full packet
	// (fixed header + remaining length worth of data) is available.
	inbuf bytes.Buffer

	lastPacketAt time.Time
	connectedAt  time.Time
	willDelayAt  time.Time
	pendingWill  bool
}

func newClient(conn *network.Connection) *client {
	return &client{
		conn:          conn,
		state:         stateAwaitingConnect,
		topicAliases:  topic.NewTopicAlias(0),
		serverAliases: make(map[string]uint16),
		connectedAt:   time.Now(),
	}
}

// deadlineExceeded reports whether the client has gone silent past
// one-and-a-half times its negotiated keep alive, per MQTT 5 section
// 3.1.2.10. A keep alive of 0 disables the check (unless the broker
// enforces a ceiling, which is handled by the caller).
func (c *client) deadlineExceeded(now time.Time) bool {
	if c.keepAlive == 0 {
		return false
	}
	limit := time.Duration(float64(c.keepAlive)*1.5) * time.Second
	return now.Sub(c.lastPacketAt) > limit
}
