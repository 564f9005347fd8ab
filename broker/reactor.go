package broker

import (
	"bytes"
	"io"
	"time"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/network"
)

// defaultTickBudget bounds how long one reactor pass blocks in
// poller.Wait before it returns to run Broker.Tick and check the
// listener's pending accepts, when ReactorConfig.TickBudget is unset. It
// is the single knob trading CPU spin for delivery latency on an
// otherwise idle broker.
const defaultTickBudget = 250 * time.Millisecond

// ReactorConfig assembles everything the event loop needs beyond the
// Broker itself. Listeners holds every bound address this reactor
// accepts on (plain and TLS alike — a TLS *network.Listener offers the
// identical readiness contract per section 4.4); all of them feed the
// same acceptCh and are driven from the one reactor goroutine, which is
// what keeps a multi-listener broker (e.g. a plain port plus a TLS port)
// inside the single-threaded model section 5 requires instead of
// spawning a reactor per listener.
type ReactorConfig struct {
	Listeners []*network.Listener
	Poller    network.Poller

	// TickBudget overrides defaultTickBudget; zero keeps the default.
	TickBudget time.Duration

	// ClusterDrain, if set, is called once per tick on the reactor
	// goroutine before Broker.Tick, handing any cluster-plane messages
	// queued by peer-link goroutines to the broker on the one goroutine
	// allowed to touch its state.
	ClusterDrain func()
}

// Reactor is the single goroutine that owns every listener, the
// readiness poller, and every *client it accepts. Nothing outside Run
// touches broker or connection state concurrently: each listener's
// accept handler only hands a raw *network.Connection across acceptCh
// and returns, so the per-accept goroutine never reaches into state the
// reactor owns.
type Reactor struct {
	broker *Broker
	poller network.Poller
	lns    []*network.Listener

	acceptCh chan *network.Connection
	conns    map[*network.Connection]*client

	clusterDrain func()
	tickBudget   time.Duration

	stopCh chan struct{}
}

func NewReactor(b *Broker, cfg ReactorConfig) *Reactor {
	tickBudget := cfg.TickBudget
	if tickBudget <= 0 {
		tickBudget = defaultTickBudget
	}

	r := &Reactor{
		broker:       b,
		poller:       cfg.Poller,
		lns:          cfg.Listeners,
		acceptCh:     make(chan *network.Connection, 256),
		conns:        make(map[*network.Connection]*client),
		clusterDrain: cfg.ClusterDrain,
		tickBudget:   tickBudget,
		stopCh:       make(chan struct{}),
	}

	for _, ln := range r.lns {
		ln.OnConnection(func(conn *network.Connection) error {
			select {
			case r.acceptCh <- conn:
				return nil
			default:
				return network.ErrConnectionPoolExhausted
			}
		})
	}

	return r
}

// Run drives the event loop until Stop is called. It must be called from
// its own goroutine; everything it touches is confined to that goroutine
// from this point on.
func (r *Reactor) Run() error {
	started := make([]*network.Listener, 0, len(r.lns))
	for _, ln := range r.lns {
		if err := ln.Start(); err != nil {
			for _, s := range started {
				_ = s.Close()
			}
			return err
		}
		started = append(started, ln)
	}
	defer func() {
		for _, ln := range r.lns {
			_ = ln.Close()
		}
	}()
	defer r.poller.Close()

	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		r.drainAccepts()

		events, err := r.poller.Wait(r.tickBudget)
		if err != nil {
			r.broker.log.Error("poller wait failed", "error", err)
			continue
		}

		for _, ev := range events {
			c, ok := r.conns[ev.Conn]
			if !ok {
				continue
			}
			if ev.Error != nil {
				r.closeConn(c, encoding.ReasonUnspecifiedError)
				continue
			}
			r.handleReadable(c)
		}

		if r.clusterDrain != nil {
			r.clusterDrain()
		}
		r.broker.Tick()
	}
}

func (r *Reactor) Stop() {
	close(r.stopCh)
}

// drainAccepts registers every connection the listener has handed off
// since the last pass, without blocking if there are none.
func (r *Reactor) drainAccepts() {
	for {
		select {
		case conn := <-r.acceptCh:
			c := r.broker.registerClient(conn)
			r.conns[conn] = c
			if err := r.poller.Add(conn, network.EventRead); err != nil {
				r.broker.log.Warn("poller add failed", "error", err)
				_ = conn.Close()
				delete(r.conns, conn)
			}
		default:
			return
		}
	}
}

// handleReadable pulls whatever is available off the socket, appends it
// to the client's inbound buffer, and dispatches every complete packet
// the buffer now contains.
func (r *Reactor) handleReadable(c *client) {
	var buf [4096]byte
	for {
		n, err := c.conn.Read(buf[:])
		if n > 0 {
			c.inbuf.Write(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				r.closeConn(c, encoding.ReasonUnspecifiedError)
			} else {
				r.closeConn(c, encoding.ReasonNormalDisconnection)
			}
			return
		}
		if n < len(buf) {
			break
		}
	}

	for r.dispatchOne(c) {
	}
}

// dispatchOne parses and handles a single complete packet from the front
// of c.inbuf, reporting whether it found one (so the caller can keep
// draining packets that arrived back-to-back in one read).
func (r *Reactor) dispatchOne(c *client) bool {
	data := c.inbuf.Bytes()
	if len(data) == 0 {
		return false
	}

	fh, headerLen, err := encoding.ParseFixedHeaderFromBytes(data)
	if err != nil {
		if err == encoding.ErrUnexpectedEOF {
			return false
		}
		r.closeConn(c, encoding.ReasonMalformedPacket)
		return false
	}

	total := headerLen + int(fh.RemainingLength)
	if len(data) < total {
		return false
	}

	body := data[headerLen:total]
	c.inbuf.Next(total)
	c.lastPacketAt = time.Now()

	if err := r.dispatch(c, fh, body); err != nil {
		r.closeConn(c, reasonCodeFor(err))
	}
	return true
}

func (r *Reactor) dispatch(c *client, fh *encoding.FixedHeader, body []byte) error {
	rd := bytes.NewReader(body)
	b := r.broker

	// Section 4.3: the only packet type valid before CONNECT completes is
	// CONNECT itself. Anything else arriving first is a protocol
	// violation that closes the socket, not just a quietly-ignored packet.
	if fh.Type != encoding.CONNECT && c.state == stateAwaitingConnect {
		return ErrNotConnected
	}

	switch fh.Type {
	case encoding.CONNECT:
		pkt, err := encoding.ParseConnectPacket(rd, fh)
		if err != nil {
			return err
		}
		ack := b.handleConnect(c, pkt)
		if err := writePacket(c, ack); err != nil {
			return err
		}
		if ack.ReasonCode >= 0x80 {
			r.closeConn(c, ack.ReasonCode)
		}
		return nil

	case encoding.PUBLISH:
		if c.state != stateConnected {
			return ErrNotConnected
		}
		pkt, err := encoding.ParsePublishPacket(rd, fh)
		if err != nil {
			return err
		}
		return b.handlePublish(c, pkt)

	case encoding.PUBACK:
		pkt, err := encoding.ParsePubackPacket(rd, fh)
		if err != nil {
			return err
		}
		return c.qosOut.HandlePuback(pkt.PacketID)

	case encoding.PUBREC:
		pkt, err := encoding.ParsePubrecPacket(rd, fh)
		if err != nil {
			return err
		}
		return c.qosOut.HandlePubrec(pkt.PacketID)

	case encoding.PUBREL:
		pkt, err := encoding.ParsePubrelPacket(rd, fh)
		if err != nil {
			return err
		}
		return c.qosIn.HandlePubrel(pkt.PacketID)

	case encoding.PUBCOMP:
		pkt, err := encoding.ParsePubcompPacket(rd, fh)
		if err != nil {
			return err
		}
		return c.qosOut.HandlePubcomp(pkt.PacketID)

	case encoding.SUBSCRIBE:
		if c.state != stateConnected {
			return ErrNotConnected
		}
		pkt, err := encoding.ParseSubscribePacket(rd, fh)
		if err != nil {
			return err
		}
		return writePacket(c, b.handleSubscribe(c, pkt))

	case encoding.UNSUBSCRIBE:
		if c.state != stateConnected {
			return ErrNotConnected
		}
		pkt, err := encoding.ParseUnsubscribePacket(rd, fh)
		if err != nil {
			return err
		}
		return writePacket(c, b.handleUnsubscribe(c, pkt))

	case encoding.PINGREQ:
		return b.handlePingreq(c)

	case encoding.DISCONNECT:
		pkt, err := encoding.ParseDisconnectPacket(rd, fh)
		if err != nil {
			return err
		}
		b.handleDisconnect(c, pkt)
		return nil

	default:
		return encoding.ErrMalformedPacket
	}
}

func (r *Reactor) closeConn(c *client, reason encoding.ReasonCode) {
	_ = r.poller.Remove(c.conn)
	delete(r.conns, c.conn)
	r.broker.disconnectClient(c, reason, c.state == stateConnected)
}
