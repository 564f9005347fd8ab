package broker

import (
	"context"
	"time"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/topic"
	"github.com/relaymq/broker/types/message"
)

// wireQoSCallbacks binds a client's two QoS handlers to the actions that
// actually move bytes: qosIn acks back to the publisher once a message
// has been routed, qosOut writes PUBLISH/PUBREL packets to a subscriber
// and feeds the acks it gets back into completion hooks.
func (b *Broker) wireQoSCallbacks(c *client) {
	c.qosIn.SetPublishCallback(func(msg *message.Message) error {
		return b.routeMessage(c, msg)
	})
	c.qosIn.SetPubackCallback(func(packetID uint16) error {
		return writePacket(c, &encoding.PubackPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	c.qosIn.SetPubrecCallback(func(packetID uint16) error {
		return writePacket(c, &encoding.PubrecPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	c.qosIn.SetPubcompCallback(func(packetID uint16) error {
		return writePacket(c, &encoding.PubcompPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})

	c.qosOut.SetPublishCallback(func(msg *message.Message) error {
		return writePacket(c, &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
			TopicName:   msg.Topic,
			PacketID:    msg.PacketID,
			Payload:     msg.Payload,
			Properties:  mapToProps(msg.Properties),
		})
	})
	c.qosOut.SetPubrelCallback(func(packetID uint16) error {
		return writePacket(c, &encoding.PubrelPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess})
	})
	c.qosOut.SetPubackCallback(func(packetID uint16) error {
		b.hooks.OnQosComplete(b.hookClient(c), packetID, encoding.PUBACK)
		return nil
	})
	c.qosOut.SetPubrecCallback(func(packetID uint16) error {
		return nil
	})
	c.qosOut.SetPubcompCallback(func(packetID uint16) error {
		b.hooks.OnQosComplete(b.hookClient(c), packetID, encoding.PUBCOMP)
		return nil
	})
	c.qosOut.SetMaxRetryCallback(func(msg *message.Message) {
		b.hooks.OnQosDropped(b.hookClient(c), msg.PacketID, hook.DropReasonExpired)
		if b.metrics != nil {
			b.metrics.IncQoSDropped()
		}
	})
	c.qosOut.SetExpiredCallback(func(msg *message.Message) {
		b.hooks.OnQosDropped(b.hookClient(c), msg.PacketID, hook.DropReasonExpired)
		if b.metrics != nil {
			b.metrics.IncQoSDropped()
		}
	})
}

// handlePublish processes an inbound PUBLISH from c. Topic alias
// resolution happens here since it's per-connection wire-level state,
// not part of the application message itself.
func (b *Broker) handlePublish(c *client, pkt *encoding.PublishPacket) error {
	topicName := pkt.TopicName
	if alias := pkt.Properties.GetProperty(encoding.PropTopicAlias); alias != nil {
		a := alias.Value.(uint16)
		if topicName != "" {
			c.topicAliases.Set(a, topicName)
		} else {
			resolved, ok := c.topicAliases.Get(a)
			if !ok {
				return ErrTopicAliasInvalid
			}
			topicName = resolved
		}
	}

	if topicName == "" {
		return encoding.ErrInvalidTopicName
	}

	if err := topic.ValidateTopic(topicName); err != nil {
		return encoding.ErrInvalidTopicName
	}

	if !b.hooks.OnACLCheck(b.hookClient(c), topicName, hook.AccessTypeWrite) {
		return ErrACLDenied
	}

	msg := message.NewMessage(pkt.PacketID, topicName, pkt.Payload, pkt.FixedHeader.QoS, pkt.FixedHeader.Retain, propsToMap(&pkt.Properties))

	switch pkt.FixedHeader.QoS {
	case encoding.QoS0:
		return b.routeMessage(c, msg)
	default:
		return c.qosIn.HandlePublish(msg)
	}
}

// routeMessage fires publish hooks, handles retention, and fans the
// message out to every matching local or remote subscriber. It is the
// onPublish callback for both QoS0 delivery and the qosIn handler.
func (b *Broker) routeMessage(publisher *client, msg *message.Message) error {
	hc := b.hookClient(publisher)
	hpkt := &hook.PublishPacket{
		PacketID: msg.PacketID,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      byte(msg.QoS),
		Retain:   msg.Retain,
		Origin:   b.cfg.NodeID,
	}

	if err := b.hooks.OnPublish(hc, hpkt); err != nil {
		b.hooks.OnPublishDropped(hc, hpkt, hook.DropReasonACLDenied)
		return err
	}

	if msg.Retain {
		b.handleRetain(publisher, msg)
	}

	publisherID := ""
	if publisher != nil {
		publisherID = publisher.clientID
	}
	subs := b.router.MatchWithPublisher(msg.Topic, publisherID)

	for _, sub := range subs {
		b.deliverTo(sub, msg)
	}

	if b.cfg.ClusterForward != nil {
		b.cfg.ClusterForward(msg.Topic, msg, b.cfg.NodeID)
	}

	b.hooks.OnPublished(hc, hpkt)
	if b.metrics != nil {
		b.metrics.IncPublishIn()
	}

	return nil
}

func (b *Broker) handleRetain(publisher *client, msg *message.Message) {
	if !b.cfg.Capabilities.RetainAvailable {
		return
	}

	ctx := context.Background()
	if len(msg.Payload) == 0 {
		_ = b.retained.Delete(ctx, msg.Topic)
		return
	}
	_ = b.retained.Set(ctx, msg.Topic, msg)
}

// deliverTo sends msg to one matched subscriber, either locally (writing
// to its connection through its outbound QoS handler) or, if the
// subscriber's session is alive but not connected to this node, queuing
// it for replay on reconnect. Cluster forwarding handles remote delivery
// at the topic level, not per-subscriber, per the node-local
// shared-subscription design.
func (b *Broker) deliverTo(sub topic.SubscriberInfo, msg *message.Message) {
	qosLevel := msg.QoS
	if encoding.QoS(sub.QoS) < qosLevel {
		qosLevel = encoding.QoS(sub.QoS)
	}

	retain := msg.Retain && sub.RetainAsPublished

	target, ok := b.clients[sub.ClientID]
	if !ok {
		b.queueOffline(sub.ClientID, msg.Topic, msg.Payload, byte(qosLevel), retain, msg.Properties)
		return
	}

	switch qosLevel {
	case encoding.QoS0:
		_ = writePacket(target, &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   msg.Topic,
			Payload:     msg.Payload,
			Properties:  mapToProps(msg.Properties),
		})
	case encoding.QoS1:
		_, _ = target.qosOut.PublishQoS1(msg.Topic, msg.Payload, retain, msg.Properties)
	case encoding.QoS2:
		_, _ = target.qosOut.PublishQoS2(msg.Topic, msg.Payload, retain, msg.Properties)
	}

	if b.metrics != nil {
		b.metrics.IncPublishOut()
	}
}

// queueOffline stores a QoS1/2 publish for a subscriber whose session is
// still alive but whose connection isn't, so GetAllPendingPublish can
// replay it on reconnect (section 8 scenario 5). QoS0 carries no delivery
// guarantee and is simply dropped rather than queued.
func (b *Broker) queueOffline(clientID, topicName string, payload []byte, qos byte, retain bool, properties map[string]interface{}) {
	if qos == 0 {
		return
	}

	sess, err := b.sessions.GetSession(context.Background(), clientID)
	if err != nil || sess == nil {
		return
	}

	sess.AddPendingPublish(&session.PendingMessage{
		PacketID:   sess.NextPacketID(),
		Topic:      topicName,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		Properties: properties,
		Timestamp:  time.Now(),
	})
}

// replayPendingPublishes delivers everything queueOffline stored for c's
// session while it was disconnected. Each message gets a fresh outbound
// packet ID from c.qosOut, same as any other subscriber delivery; the
// packet ID it was queued under was only a session-local dedup key.
func (b *Broker) replayPendingPublishes(c *client) {
	if c.sess == nil {
		return
	}

	for id, m := range c.sess.GetAllPendingPublish() {
		switch encoding.QoS(m.QoS) {
		case encoding.QoS1:
			_, _ = c.qosOut.PublishQoS1(m.Topic, m.Payload, m.Retain, m.Properties)
		case encoding.QoS2:
			_, _ = c.qosOut.PublishQoS2(m.Topic, m.Payload, m.Retain, m.Properties)
		}
		c.sess.RemovePendingPublish(id)
	}
}

// deliverRetainedTo sends matching retained messages to a client that
// just subscribed, per section 3.8.4's retain-handling rules: 0 = always,
// 1 = only if the filter is new for this client, 2 = never. Replayed
// messages always carry the RETAIN flag (section 3.3.1.3), whatever the
// subscription's retain-as-published option.
func (b *Broker) deliverRetainedTo(c *client, filter string, retainAsPublished bool, retainHandling byte, isNew bool) {
	if !b.cfg.Capabilities.RetainAvailable || retainHandling == 2 {
		return
	}
	if retainHandling == 1 && !isNew {
		return
	}

	msgs, err := b.retained.Match(context.Background(), filter, topic.NewTopicMatcher())
	if err != nil {
		return
	}

	for _, m := range msgs {
		_ = writePacket(c, &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: m.QoS, Retain: true},
			TopicName:   m.Topic,
			Payload:     m.Payload,
			Properties:  mapToProps(m.Properties),
		})
	}
}
