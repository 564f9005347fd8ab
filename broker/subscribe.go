package broker

import (
	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/topic"
)

// handleSubscribe processes a SUBSCRIBE packet: each topic filter is
// checked, hooked, routed, and replayed with matching retained messages
// independently, so one rejected filter doesn't block the others.
func (b *Broker) handleSubscribe(c *client, pkt *encoding.SubscribePacket) *encoding.SubackPacket {
	hc := b.hookClient(c)
	subID := propU32(&pkt.Properties, encoding.PropSubscriptionIdentifier, 0)

	codes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
	for i, s := range pkt.Subscriptions {
		codes[i] = b.subscribeOne(c, hc, s, subID)
	}

	return &encoding.SubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes}
}

func (b *Broker) subscribeOne(c *client, hc *hook.Client, s encoding.Subscription, subID uint32) encoding.ReasonCode {
	if err := topic.ValidateTopicFilter(s.TopicFilter); err != nil {
		return encoding.ReasonTopicFilterInvalid
	}

	if topic.IsSharedSubscription(s.TopicFilter) && !b.cfg.Capabilities.SharedSubAvailable {
		return encoding.ReasonSharedSubscriptionsNotSupported
	}

	hookSub := &hook.Subscription{
		ClientID:               c.clientID,
		TopicFilter:            s.TopicFilter,
		QoS:                    byte(s.QoS),
		NoLocal:                s.NoLocal,
		RetainAsPublished:      s.RetainAsPublished,
		RetainHandling:         s.RetainHandling,
		SubscriptionIdentifier: subID,
	}

	if !b.hooks.OnACLCheck(hc, s.TopicFilter, hook.AccessTypeRead) {
		return encoding.ReasonNotAuthorized
	}
	if err := b.hooks.OnSubscribe(hc, hookSub); err != nil {
		return reasonCodeFor(err)
	}

	grantedQoS := s.QoS
	if byte(grantedQoS) > b.cfg.Capabilities.MaximumQoS {
		grantedQoS = encoding.QoS(b.cfg.Capabilities.MaximumQoS)
	}

	sub := &topic.Subscription{
		ClientID:               c.clientID,
		TopicFilter:            s.TopicFilter,
		QoS:                    byte(grantedQoS),
		NoLocal:                s.NoLocal,
		RetainAsPublished:      s.RetainAsPublished,
		RetainHandling:         s.RetainHandling,
		SubscriptionIdentifier: subID,
	}

	isNew, err := b.router.Subscribe(sub)
	if err != nil {
		return reasonCodeFor(err)
	}

	if c.sess != nil {
		c.sess.AddSubscription(&session.Subscription{
			TopicFilter:            s.TopicFilter,
			QoS:                    byte(grantedQoS),
			NoLocal:                s.NoLocal,
			RetainAsPublished:      s.RetainAsPublished,
			RetainHandling:         s.RetainHandling,
			SubscriptionIdentifier: subID,
		})
	}

	b.hooks.OnSubscribed(hc, hookSub)
	b.deliverRetainedTo(c, s.TopicFilter, s.RetainAsPublished, s.RetainHandling, isNew)

	return encoding.ReasonCode(byte(grantedQoS))
}

// handleUnsubscribe processes an UNSUBSCRIBE packet.
func (b *Broker) handleUnsubscribe(c *client, pkt *encoding.UnsubscribePacket) *encoding.UnsubackPacket {
	hc := b.hookClient(c)
	codes := make([]encoding.ReasonCode, len(pkt.TopicFilters))

	for i, filter := range pkt.TopicFilters {
		if err := b.hooks.OnUnsubscribe(hc, filter); err != nil {
			codes[i] = reasonCodeFor(err)
			continue
		}

		if b.router.Unsubscribe(c.clientID, filter) {
			codes[i] = encoding.ReasonSuccess
		} else {
			codes[i] = encoding.ReasonNoSubscriptionExisted
		}

		if c.sess != nil {
			c.sess.RemoveSubscription(filter)
		}

		b.hooks.OnUnsubscribed(hc, filter)
	}

	return &encoding.UnsubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes}
}
