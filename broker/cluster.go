package broker

import (
	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/types/message"
)

// DeliverRemote routes a message that arrived from another cluster node
// to this node's local subscribers. It never re-forwards to
// cfg.ClusterForward, which is what keeps a 3+ node mesh from looping a
// single publish forever.
func (b *Broker) DeliverRemote(msg *message.Message, originNode string) {
	hc := &hook.Client{ID: "", State: hook.ClientStateConnected}
	hpkt := &hook.PublishPacket{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     byte(msg.QoS),
		Retain:  msg.Retain,
		Origin:  originNode,
	}

	if err := b.hooks.OnPublish(hc, hpkt); err != nil {
		b.hooks.OnPublishDropped(hc, hpkt, hook.DropReasonACLDenied)
		return
	}

	if msg.Retain {
		b.handleRetain(nil, msg)
	}

	for _, sub := range b.router.Match(msg.Topic) {
		b.deliverTo(sub, msg)
	}

	b.hooks.OnPublished(hc, hpkt)
}
