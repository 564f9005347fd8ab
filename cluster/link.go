package cluster

import (
	"bufio"
	"context"
	"net"
	"sync"
)

// link is one established connection to a peer node, in either
// direction. Writes are serialized with a mutex since the broker's
// forward callback and the link's own hello handshake both write to it.
type link struct {
	nodeID string
	conn   net.Conn
	wmu    sync.Mutex
}

func (p *Peers) handle(ctx context.Context, conn net.Conn) {
	l := &link{conn: conn}

	if err := writeFrame(conn, &wireMessage{Type: msgHello, NodeID: p.cfg.NodeID}); err != nil {
		_ = conn.Close()
		return
	}

	r := bufio.NewReader(conn)
	first, err := readFrame(r)
	if err != nil || first.Type != msgHello {
		_ = conn.Close()
		return
	}
	l.nodeID = first.NodeID

	p.mu.Lock()
	if existing, ok := p.links[l.nodeID]; ok {
		_ = existing.conn.Close()
	}
	p.links[l.nodeID] = l
	n := len(p.links)
	p.mu.Unlock()
	p.reportPeerCount(n)

	defer func() {
		p.mu.Lock()
		if p.links[l.nodeID] == l {
			delete(p.links, l.nodeID)
		}
		n := len(p.links)
		p.mu.Unlock()
		p.reportPeerCount(n)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		wm, err := readFrame(r)
		if err != nil {
			return
		}
		if wm.Type == msgPublish {
			p.queueInbound(wm)
		}
	}
}

func (l *link) send(m *wireMessage) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = writeFrame(l.conn, m)
}
