// Package cluster forwards publishes between relaymq nodes over plain
// TCP links, one per peer, framed with a 4-byte length prefix and cbor
// payloads. It intentionally does not reuse the network package's
// readiness-multiplexed reactor: a node talks to a handful of long-lived
// peers, not thousands of short-lived clients, so one goroutine per
// link is simpler and no less idiomatic here.
package cluster

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaymq/broker/broker"
	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/types/message"
)

type Config struct {
	NodeID  string
	Address string
	Peers   []string
	Logger  *slog.Logger

	// Metrics, if set, gets its cluster-peer gauge kept in sync with the
	// link table as peers connect and disconnect.
	Metrics *broker.Metrics
}

// Peers owns every link to another node in the mesh. forward is safe to
// call from the broker's reactor goroutine; each link's writes are
// serialized behind its own mutex so a slow peer can't corrupt another
// peer's frame.
type Peers struct {
	cfg Config
	b   *broker.Broker
	log *slog.Logger

	mu    sync.Mutex
	links map[string]*link // nodeID -> link

	ln net.Listener

	// inbound queues publishes read off peer links until Drain hands
	// them to the broker. Peer links run on their own goroutines, but
	// the broker's state (router, retained store, clients map) is only
	// ever safe to touch from the reactor goroutine, so nothing here
	// calls into broker.Broker directly.
	inbound chan *wireMessage
}

func NewPeers(cfg Config) (*Peers, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Peers{
		cfg:     cfg,
		log:     cfg.Logger,
		links:   make(map[string]*link),
		inbound: make(chan *wireMessage, 1024),
	}, nil
}

// Attach wires this Peers instance as b's cluster forwarder. Call before
// Run so no local publish is missed.
func (p *Peers) Attach(b *broker.Broker) {
	p.b = b
	b.SetClusterForward(p.forward)
}

// Run accepts inbound peer connections and dials every configured peer
// address, reconnecting outbound links that drop, until ctx is canceled.
func (p *Peers) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Address)
	if err != nil {
		return err
	}
	p.ln = ln

	go p.acceptLoop(ctx)

	var wg sync.WaitGroup
	for _, addr := range p.cfg.Peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dialLoop(ctx, addr)
		}()
	}

	<-ctx.Done()
	_ = ln.Close()
	wg.Wait()
	return nil
}

func (p *Peers) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Warn("cluster accept failed", "error", err)
				return
			}
		}
		go p.handle(ctx, conn)
	}
}

// dialLoop keeps re-establishing an outbound link with backoff, since a
// peer node restarting shouldn't require an operator to intervene.
func (p *Peers) dialLoop(ctx context.Context, addr string) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			p.log.Warn("cluster dial failed", "addr", addr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		p.handle(ctx, conn)
	}
}

// forward is the broker's ClusterForward callback: relay a locally
// originated publish to every connected peer.
func (p *Peers) forward(topic string, msg *message.Message, originNode string) {
	wm := &wireMessage{
		Type:       msgPublish,
		NodeID:     originNode,
		Topic:      topic,
		Payload:    msg.Payload,
		QoS:        byte(msg.QoS),
		Retain:     msg.Retain,
		Properties: msg.Properties,
	}

	p.mu.Lock()
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	for _, l := range links {
		l.send(wm)
	}
}

// reportPeerCount updates the cluster-peer gauge. It runs on whichever
// link goroutine just connected or disconnected rather than the reactor
// goroutine, which is safe only because prometheus gauges are internally
// synchronized — unlike broker.Broker's own state, this one metric is not
// reactor-goroutine-confined.
func (p *Peers) reportPeerCount(n int) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.SetClusterPeers(n)
	}
}

// queueInbound is called from a peer link's own read goroutine. It never
// touches broker state; it only hands the message to the channel Drain
// consumes from the reactor goroutine.
func (p *Peers) queueInbound(wm *wireMessage) {
	select {
	case p.inbound <- wm:
	default:
		p.log.Warn("cluster inbound queue full, dropping publish", "node_id", wm.NodeID, "topic", wm.Topic)
	}
}

// Drain hands every publish queued since the last call to the local
// broker for routing to this node's own subscribers. The reactor calls
// this once per tick, on the same goroutine that owns all other broker
// state, so this is the only place a cluster-received message reaches
// broker.Broker.
func (p *Peers) Drain() {
	for {
		select {
		case wm := <-p.inbound:
			msg := message.NewMessage(0, wm.Topic, wm.Payload, encoding.QoS(wm.QoS), wm.Retain, wm.Properties)
			p.b.DeliverRemote(msg, wm.NodeID)
		default:
			return
		}
	}
}
