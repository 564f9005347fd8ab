package broker

import (
	"github.com/relaymq/broker/encoding"
)

// handleDisconnect processes a client-initiated DISCONNECT. A reason code
// of DisconnectWithWillMessage means "publish my will even though this is
// a clean shutdown" (section 3.14.2.2.1); any other code suppresses it.
// The session manager decides whether the will fires now or after its
// delay interval on a later Tick, and fires it through Broker.PublishWill.
// A fresh SessionExpiryInterval property may shorten or lengthen the one
// negotiated at CONNECT, but can never turn a zero interval into a
// non-zero one (section 3.14.2.2.2).
func (b *Broker) handleDisconnect(c *client, pkt *encoding.DisconnectPacket) {
	sendWill := pkt.ReasonCode == encoding.ReasonDisconnectWithWillMessage

	if c.sess != nil {
		if prop := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
			if interval, ok := prop.Value.(uint32); ok {
				if c.sess.GetExpiryInterval() == 0 && interval != 0 {
					b.log.Warn("client attempted to extend zero session expiry", "client_id", c.clientID)
				} else {
					c.sess.UpdateExpiryInterval(interval)
				}
			}
		}
	}

	b.disconnectClient(c, encoding.ReasonNormalDisconnection, sendWill)
}

// handlePingreq replies to a keep alive probe. It also counts as network
// traffic for the keep alive timer, which the reactor already records
// before dispatching here.
func (b *Broker) handlePingreq(c *client) error {
	return writePacket(c, &encoding.PingrespPacket{})
}
