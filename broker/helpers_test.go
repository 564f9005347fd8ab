package broker

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/network"
	"github.com/relaymq/broker/qos"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/store"
)

// fakeAddr is a minimal net.Addr for test connections.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn is a non-blocking net.Conn whose writes land in an inspectable
// buffer, standing in for a real socket so broker handlers can be driven
// directly without a poller or a goroutine pumping net.Pipe.
type fakeConn struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (f *fakeConn) Read(b []byte) (int, error)  { return 0, nil }
func (f *fakeConn) Close() error                { return nil }
func (f *fakeConn) LocalAddr() net.Addr         { return fakeAddr("local") }
func (f *fakeConn) RemoteAddr() net.Addr        { return fakeAddr("remote") }
func (f *fakeConn) SetDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(b)
}

func (f *fakeConn) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.out.Bytes()...)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out.Reset()
}

func newTestClient() (*client, *fakeConn) {
	fc := &fakeConn{}
	conn := network.NewConnection(fc, "test", nil)
	return newClient(conn), fc
}

func newTestBroker() *Broker {
	return New(Config{
		Capabilities:   DefaultCapabilities(),
		AllowAnonymous: true,
		SessionStore:   session.NewMemoryStore(),
		RetainedStore:  store.NewRetainedStore(),
		QoSConfig:      qos.DefaultConfig(),
		NodeID:         "test-node",
	})
}

// connectClient drives a CONNECT through the broker for clientID and
// requires it to succeed, leaving c ready to publish/subscribe.
func connectClient(t testingT, b *Broker, clientID string) (*client, *fakeConn) {
	t.Helper()
	c, fc := newTestClient()
	ack := b.handleConnect(c, &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      true,
		ClientID:        clientID,
	})
	if ack.ReasonCode != encoding.ReasonSuccess {
		t.Fatalf("connect %s: reason code %v", clientID, ack.ReasonCode)
	}
	fc.reset()
	return c, fc
}

// testingT is the subset of *testing.T used by test helpers in this
// package, so helpers can live outside the _test.go files that need *testing.T
// directly without importing "testing" at the package level.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

// decodePublish parses a single PUBLISH packet out of raw wire bytes, as
// written by writePacket during delivery or retained replay.
func decodePublish(t testingT, raw []byte) *encoding.PublishPacket {
	t.Helper()
	fh, headerLen, err := encoding.ParseFixedHeaderFromBytes(raw)
	if err != nil {
		t.Fatalf("parse fixed header: %v", err)
	}
	if fh.Type != encoding.PUBLISH {
		t.Fatalf("expected PUBLISH, got %v", fh.Type)
	}
	body := raw[headerLen : headerLen+int(fh.RemainingLength)]
	pkt, err := encoding.ParsePublishPacket(bytes.NewReader(body), fh)
	if err != nil {
		t.Fatalf("parse publish: %v", err)
	}
	return pkt
}
