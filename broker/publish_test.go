package broker

import (
	"testing"

	"github.com/relaymq/broker/encoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePublishRejectsInvalidTopicName(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	err := b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0},
		TopicName:   "a/+/b",
		Payload:     []byte("bad topic"),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, encoding.ErrInvalidTopicName)
	assert.Equal(t, encoding.ReasonTopicNameInvalid, reasonCodeFor(err))
}

func TestHandlePublishQoS0FansOutToSubscriber(t *testing.T) {
	b := newTestBroker()
	sub, subConn := connectClient(t, b, "sub-1")
	pub, _ := connectClient(t, b, "pub-1")

	ack := b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0},
		},
	})
	require.Equal(t, encoding.ReasonCode(encoding.QoS0), ack.ReasonCodes[0])
	subConn.reset()

	err := b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
	})
	require.NoError(t, err)

	pkt := decodePublish(t, subConn.written())
	assert.Equal(t, "a/b", pkt.TopicName)
	assert.Equal(t, []byte("hello"), pkt.Payload)
}

func TestHandlePublishDowngradesQoSToSubscriberGrant(t *testing.T) {
	b := newTestBroker()
	sub, subConn := connectClient(t, b, "sub-1")
	pub, _ := connectClient(t, b, "pub-1")

	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0},
		},
	})
	subConn.reset()

	err := b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS1},
		PacketID:    7,
		TopicName:   "a/b",
		Payload:     []byte("downgraded"),
	})
	require.NoError(t, err)

	pkt := decodePublish(t, subConn.written())
	assert.Equal(t, encoding.QoS0, pkt.FixedHeader.QoS)
}

func TestRetainHandlingZeroAlwaysReplays(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("retained"),
	}))

	sub, subConn := connectClient(t, b, "sub-1")
	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0, RetainHandling: 0},
		},
	})

	pkt := decodePublish(t, subConn.written())
	assert.Equal(t, []byte("retained"), pkt.Payload)
	assert.True(t, pkt.FixedHeader.Retain)
}

func TestRetainHandlingOneOnlyOnNewSubscription(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("retained"),
	}))

	sub, subConn := connectClient(t, b, "sub-1")

	// First subscription to this filter is new: retained message replays.
	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0, RetainHandling: 1},
		},
	})
	assert.NotEmpty(t, subConn.written())
	subConn.reset()

	// Re-subscribing to the same filter is not new: no replay.
	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 2,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0, RetainHandling: 1},
		},
	})
	assert.Empty(t, subConn.written())
}

func TestRetainHandlingTwoNeverReplays(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("retained"),
	}))

	sub, subConn := connectClient(t, b, "sub-1")
	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0, RetainHandling: 2},
		},
	})

	assert.Empty(t, subConn.written())
}

func TestRetainedEmptyPayloadDeletes(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("retained"),
	}))
	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "a/b",
		Payload:     nil,
	}))

	sub, subConn := connectClient(t, b, "sub-1")
	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0, RetainHandling: 0},
		},
	})

	assert.Empty(t, subConn.written())
}

func TestPublishToDisconnectedSessionIsQueuedAndReplayedOnReconnect(t *testing.T) {
	b := newTestBroker()

	sub, subConn := newTestClient()
	connAck := b.handleConnect(sub, &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      false,
		ClientID:        "sub-1",
		Properties: encoding.Properties{Properties: []encoding.Property{
			{ID: encoding.PropSessionExpiryInterval, Value: uint32(3600)},
		}},
	})
	require.Equal(t, encoding.ReasonSuccess, connAck.ReasonCode)
	subConn.reset()

	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS1},
		},
	})
	subConn.reset()

	// Session survives the disconnect (non-zero expiry, not clean start).
	b.handleDisconnect(sub, &encoding.DisconnectPacket{
		ReasonCode: encoding.ReasonNormalDisconnection,
		Properties: encoding.Properties{Properties: []encoding.Property{
			{ID: encoding.PropSessionExpiryInterval, Value: uint32(3600)},
		}},
	})
	assert.NotContains(t, b.clients, "sub-1")

	pub, _ := connectClient(t, b, "pub-1")
	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS1},
		PacketID:    9,
		TopicName:   "a/b",
		Payload:     []byte("while offline"),
	}))

	// No connection to write to yet, so nothing should have been sent.
	assert.Empty(t, subConn.written())

	resumed, resumedConn := newTestClient()
	ack := b.handleConnect(resumed, &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      false,
		ClientID:        "sub-1",
	})
	require.Equal(t, encoding.ReasonSuccess, ack.ReasonCode)

	pkt := decodePublish(t, resumedConn.written())
	assert.Equal(t, "a/b", pkt.TopicName)
	assert.Equal(t, []byte("while offline"), pkt.Payload)
}

func TestPublishQoS0ToDisconnectedSessionIsDropped(t *testing.T) {
	b := newTestBroker()

	sub, subConn := newTestClient()
	connAck := b.handleConnect(sub, &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      false,
		ClientID:        "sub-1",
		Properties: encoding.Properties{Properties: []encoding.Property{
			{ID: encoding.PropSessionExpiryInterval, Value: uint32(3600)},
		}},
	})
	require.Equal(t, encoding.ReasonSuccess, connAck.ReasonCode)
	subConn.reset()

	b.handleSubscribe(sub, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "a/b", QoS: encoding.QoS0},
		},
	})
	subConn.reset()

	b.handleDisconnect(sub, &encoding.DisconnectPacket{
		ReasonCode: encoding.ReasonNormalDisconnection,
		Properties: encoding.Properties{Properties: []encoding.Property{
			{ID: encoding.PropSessionExpiryInterval, Value: uint32(3600)},
		}},
	})

	pub, _ := connectClient(t, b, "pub-1")
	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0},
		TopicName:   "a/b",
		Payload:     []byte("best effort"),
	}))

	resumed, resumedConn := newTestClient()
	ack := b.handleConnect(resumed, &encoding.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      false,
		ClientID:        "sub-1",
	})
	require.Equal(t, encoding.ReasonSuccess, ack.ReasonCode)

	assert.Empty(t, resumedConn.written())
}

func TestDollarTopicExcludedFromRootWildcardRetainedReplay(t *testing.T) {
	b := newTestBroker()
	pub, _ := connectClient(t, b, "pub-1")

	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: true},
		TopicName:   "$SYS/broker/uptime",
		Payload:     []byte("42"),
	}))

	// A bare '#' never matches a '$'-prefixed topic.
	subHash, subHashConn := connectClient(t, b, "sub-hash")
	b.handleSubscribe(subHash, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "#", QoS: encoding.QoS0, RetainHandling: 0},
		},
	})
	assert.Empty(t, subHashConn.written())

	// An explicit "$SYS/#" still matches, since the wildcard isn't rooted
	// against the '$' itself.
	subSys, subSysConn := connectClient(t, b, "sub-sys")
	b.handleSubscribe(subSys, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "$SYS/#", QoS: encoding.QoS0, RetainHandling: 0},
		},
	})
	pkt := decodePublish(t, subSysConn.written())
	assert.Equal(t, "$SYS/broker/uptime", pkt.TopicName)
}

func TestDollarTopicExcludedFromRootWildcardLiveRouting(t *testing.T) {
	b := newTestBroker()
	subHash, subHashConn := connectClient(t, b, "sub-hash")
	b.handleSubscribe(subHash, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "#", QoS: encoding.QoS0},
		},
	})
	subHashConn.reset()

	subSys, subSysConn := connectClient(t, b, "sub-sys")
	b.handleSubscribe(subSys, &encoding.SubscribePacket{
		PacketID: 1,
		Subscriptions: []encoding.Subscription{
			{TopicFilter: "$SYS/#", QoS: encoding.QoS0},
		},
	})
	subSysConn.reset()

	pub, _ := connectClient(t, b, "pub-1")
	require.NoError(t, b.handlePublish(pub, &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0},
		TopicName:   "$SYS/broker/uptime",
		Payload:     []byte("42"),
	}))

	assert.Empty(t, subHashConn.written())
	pkt := decodePublish(t, subSysConn.written())
	assert.Equal(t, "$SYS/broker/uptime", pkt.TopicName)
}
