// Package broker implements the single-threaded MQTT 5 reactor: one
// goroutine owns the listener, the readiness poller, and all broker
// state (sessions, subscriptions, retained messages, inflight QoS
// tracking). There is no locking inside this package because nothing
// outside the reactor goroutine is allowed to touch it.
package broker

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/network"
	"github.com/relaymq/broker/qos"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/store"
	"github.com/relaymq/broker/topic"
	"github.com/relaymq/broker/types/message"
)

// Capabilities mirror the broker-configuration surface a CONNACK needs to
// advertise to clients (MQTT 5 section 3.2.2.3).
type Capabilities struct {
	ReceiveMaximum           uint16
	MaximumQoS               byte
	MaximumPacketSize        uint32
	TopicAliasMaximum        uint16
	RetainAvailable          bool
	WildcardSubAvailable     bool
	SharedSubAvailable       bool
	SubscriptionIDAvailable  bool
	MaxSessionExpiryInterval uint32
	ServerKeepAlive          uint16
}

func DefaultCapabilities() Capabilities {
	return Capabilities{
		ReceiveMaximum:           1024,
		MaximumQoS:               2,
		MaximumPacketSize:        256 * 1024 * 1024,
		TopicAliasMaximum:        64,
		RetainAvailable:          true,
		WildcardSubAvailable:     true,
		SharedSubAvailable:       true,
		SubscriptionIDAvailable:  true,
		MaxSessionExpiryInterval: 0, // 0 = no broker-imposed ceiling
		ServerKeepAlive:          0, // 0 = accept client's own keep alive
	}
}

// Config assembles the dependencies a Broker needs. The reactor (or a
// test) constructs these separately so storage backend selection stays
// outside this package.
type Config struct {
	Capabilities   Capabilities
	AllowAnonymous bool

	SessionStore  session.Store
	RetainedStore *store.RetainedStore

	Hooks   *hook.Manager
	Logger  *slog.Logger
	Metrics *Metrics
	Report  *Reporter

	QoSConfig *qos.Config

	// ConnectTimeout bounds how long a connection may sit in
	// AwaitingConnect before Tick closes it as a protocol violation
	// (section 4.3). Zero disables the check.
	ConnectTimeout time.Duration

	ClusterForward func(topic string, msg *message.Message, originNode string)
	NodeID         string
}

// Broker owns all cross-connection state: the topic trie, retained
// messages, sessions, and the hook registry. Every exported method here
// is documented as reactor-goroutine-only; callers outside the reactor
// (such as the cluster package) hand work to it through
// ReactorConfig.ClusterDrain, which Run calls on the reactor goroutine.
type Broker struct {
	cfg Config

	router      *topic.Router
	retained    *topic.RetainedManager
	sessions    *session.Manager
	hooks       *hook.Manager
	metrics     *Metrics
	report      *Reporter
	log         *slog.Logger
	disconnects *network.DisconnectManager

	clients  map[string]*client  // clientID -> connected client
	awaiting map[*client]struct{} // accepted connections that haven't completed CONNECT yet
}

func New(cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = hook.NewManager()
	}

	retained := topic.NewRetainedManager(&topic.RetainedConfig{
		Store:           cfg.RetainedStore,
		CleanupInterval: 5 * time.Minute,
		ExternalTick:    true,
	})

	disconnects := network.NewDisconnectManager(0)
	disconnects.OnDisconnect(func(conn *network.Connection, pkt *network.DisconnectPacket) error {
		var buf bytes.Buffer
		wire := &encoding.DisconnectPacket{ReasonCode: encoding.ReasonCode(pkt.ReasonCode)}
		if err := wire.Encode(&buf); err != nil {
			return err
		}
		_, err := conn.Write(buf.Bytes())
		return err
	})

	b := &Broker{
		cfg:         cfg,
		router:      topic.NewRouter(),
		retained:    retained,
		hooks:       cfg.Hooks,
		metrics:     cfg.Metrics,
		report:      cfg.Report,
		log:         cfg.Logger,
		disconnects: disconnects,
		clients:     make(map[string]*client),
		awaiting:    make(map[*client]struct{}),
	}

	// b itself is the WillPublisher: a delayed or immediate will, however
	// the session manager decides to fire it, still has to go through
	// ordinary message routing (hooks, retain, subscriber fan-out).
	b.sessions = session.NewManager(session.ManagerConfig{
		Store:               cfg.SessionStore,
		ExpiryCheckInterval: 30 * time.Second,
		ExternalTick:        true,
		WillPublisher:       b,
	})

	return b
}

// PublishWill implements session.WillPublisher. The session manager calls
// this when a will is due, whether immediately on an abnormal disconnect
// or after its delay interval elapses on a later Tick.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	var publisher *client
	if c, ok := b.clients[clientID]; ok {
		publisher = c
	}
	msg := message.NewMessage(0, will.Topic, will.Payload, encoding.QoS(will.QoS), will.Retain, will.Properties)
	return b.routeMessage(publisher, msg)
}

// Tick runs one pass of the cleanup_operations sweep: session expiry,
// will-delay publication, retained-message pruning, and per-connection
// QoS retry/expiry. The reactor calls this once per loop iteration
// after poller.Wait returns, never on its own ticker goroutine.
func (b *Broker) Tick() {
	for _, clientID := range b.sessions.CheckExpiredSessions() {
		b.router.UnsubscribeAll(clientID)
	}
	b.retained.Tick()

	now := time.Now()
	for id, c := range b.clients {
		if c.qosIn != nil {
			c.qosIn.Tick()
		}
		if c.qosOut != nil {
			c.qosOut.Tick()
		}
		if c.state == stateConnected && c.deadlineExceeded(now) {
			b.log.Warn("keep alive timeout", "client_id", id)
			b.disconnectClient(c, encoding.ReasonKeepAliveTimeout, true)
		}
	}

	if b.cfg.ConnectTimeout > 0 {
		for c := range b.awaiting {
			if now.Sub(c.connectedAt) > b.cfg.ConnectTimeout {
				b.log.Warn("connect timeout", "remote_addr", c.conn.RemoteAddr())
				b.disconnectClient(c, encoding.ReasonProtocolError, false)
			}
		}
	}

	if b.metrics != nil {
		b.metrics.SetConnectedClients(len(b.clients))
		b.metrics.SetSubscriptionCount(b.router.Count())
		if n, err := b.retained.Count(context.Background()); err == nil {
			b.metrics.SetRetainedCount(int(n))
		}
	}
}

// SetClusterForward wires the function the broker calls after routing a
// locally-published message to every local subscriber, so a cluster
// package built on top of this one can relay it to peer nodes without
// this package importing cluster (which would be a cycle).
func (b *Broker) SetClusterForward(fn func(topic string, msg *message.Message, originNode string)) {
	b.cfg.ClusterForward = fn
}

// registerClient installs a newly accepted connection into broker state
// in the AwaitingConnect protocol state, per section 4.3's state machine.
func (b *Broker) registerClient(conn *network.Connection) *client {
	c := newClient(conn)
	b.awaiting[c] = struct{}{}
	return c
}

// disconnectClient tears down a connected client: fires the will (subject
// to delay handling), releases the session's active-connection binding,
// and closes the socket. sendWill controls whether an abnormal
// disconnect should trigger will delivery (false for a clean DISCONNECT
// with reason 0x00).
func (b *Broker) disconnectClient(c *client, reason encoding.ReasonCode, sendWill bool) {
	ctx := context.Background()

	// A DISCONNECT is only meaningful to a client that completed CONNECT
	// and hasn't already told us it's leaving (ReasonNormalDisconnection
	// here means handleDisconnect is unwinding a client-initiated one).
	if c.state == stateConnected && reason != encoding.ReasonNormalDisconnection {
		b.notifyDisconnect(c, reason)
	}

	if c.state == stateConnected {
		delete(b.clients, c.clientID)
		_ = b.sessions.DisconnectSession(ctx, c.clientID, sendWill)
		b.hooks.OnDisconnect(b.hookClient(c), reasonErr(reason), sendWill)
	}
	delete(b.awaiting, c)

	c.state = stateDisconnecting
	_ = c.conn.Close()

	if b.metrics != nil {
		b.metrics.SetConnectedClients(len(b.clients))
	}
}

// notifyDisconnect sends a DISCONNECT packet carrying reason to the
// client before the socket is torn down, per section 7.1. Errors writing
// it are ignored: the connection is going away either way.
func (b *Broker) notifyDisconnect(c *client, reason encoding.ReasonCode) {
	_ = b.disconnects.SendDisconnect(c.conn, &network.DisconnectPacket{ReasonCode: network.DisconnectReason(reason)})
}

// reportErr forwards an internal (non-protocol) fault to the configured
// Reporter, tagged with the client and packet type it occurred handling.
func (b *Broker) reportErr(err error, clientID, packetType string) {
	if err == nil || b.report == nil {
		return
	}
	b.report.ReportError(err, clientID, packetType)
}

func reasonErr(r encoding.ReasonCode) error {
	if r == encoding.ReasonSuccess {
		return nil
	}
	return errReasonCode{r}
}

type errReasonCode struct{ code encoding.ReasonCode }

func (e errReasonCode) Error() string { return e.code.String() }

// hookClient builds the DTO the hook package expects from internal
// connection state. It is rebuilt on demand rather than kept in sync
// continuously, since hooks only need a point-in-time snapshot.
func (b *Broker) hookClient(c *client) *hook.Client {
	if c == nil {
		return &hook.Client{ID: "", State: hook.ClientStateDisconnected}
	}

	state := hook.ClientStateConnecting
	if c.state == stateConnected {
		state = hook.ClientStateConnected
	} else if c.state == stateDisconnecting {
		state = hook.ClientStateDisconnected
	}

	return &hook.Client{
		ID:              c.clientID,
		RemoteAddr:      c.conn.RemoteAddr(),
		LocalAddr:       c.conn.LocalAddr(),
		ProtocolVersion: byte(c.protocolVersion),
		KeepAlive:       c.keepAlive,
		SessionPresent:  c.sessionPresent,
		ConnectedAt:     c.connectedAt,
		State:           state,
	}
}
