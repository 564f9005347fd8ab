package broker

import (
	"context"

	"github.com/relaymq/broker/encoding"
	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/qos"
	"github.com/relaymq/broker/session"
)

// handleConnect processes a CONNECT packet per section 4.1/4.3 of the
// protocol and returns the CONNACK to write back. It never returns an
// error that should close the connection silently — every rejection
// path produces a CONNACK with the appropriate reason code, and the
// caller closes the socket after writing it for codes >= 0x80.
func (b *Broker) handleConnect(c *client, pkt *encoding.ConnectPacket) *encoding.ConnackPacket {
	ack := &encoding.ConnackPacket{Properties: encoding.Properties{}}

	if c.state != stateAwaitingConnect {
		ack.ReasonCode = encoding.ReasonProtocolError
		return ack
	}

	if pkt.ProtocolVersion != encoding.ProtocolVersion50 {
		ack.ReasonCode = encoding.ReasonUnsupportedProtocolVersion
		return ack
	}

	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		id, err := b.sessions.GenerateClientID(context.Background())
		if err != nil {
			b.reportErr(err, "", "CONNECT")
			ack.ReasonCode = encoding.ReasonServerUnavailable
			return ack
		}
		clientID = id
		assigned = true
	}

	hc := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.conn.RemoteAddr(),
		LocalAddr:       c.conn.LocalAddr(),
		Username:        pkt.Username,
		CleanStart:      pkt.CleanStart,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     c.connectedAt,
		State:           hook.ClientStateConnecting,
	}

	hookPkt := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	if !b.cfg.AllowAnonymous || pkt.UsernameFlag {
		if !b.hooks.OnConnectAuthenticate(hc, hookPkt) {
			ack.ReasonCode = encoding.ReasonBadUsernameOrPassword
			return ack
		}
	}

	// Takeover: if another connection is already live for this client ID,
	// disconnect it first so only one connection owns the session.
	if existing, ok := b.clients[clientID]; ok {
		b.disconnectClient(existing, encoding.ReasonSessionTakenOver, false)
	}
	_ = b.sessions.TakeoverSession(context.Background(), clientID)

	expiry := propU32(&pkt.Properties, encoding.PropSessionExpiryInterval, 0)
	expiryClamped := false
	if max := b.cfg.Capabilities.MaxSessionExpiryInterval; max > 0 && expiry > max {
		expiry = max
		expiryClamped = true
	}
	sess, present, err := b.sessions.CreateSession(context.Background(), clientID, pkt.CleanStart, expiry, byte(pkt.ProtocolVersion))
	if err != nil {
		b.reportErr(err, clientID, "CONNECT")
		ack.ReasonCode = encoding.ReasonServerUnavailable
		return ack
	}

	// Clean start discards whatever the trie still remembers about this
	// client ID from a previous session (section 8's clean-start testable
	// property); CreateSession already cleared the session's own
	// subscription map, but the router's trie is broker-wide state.
	if pkt.CleanStart {
		b.router.UnsubscribeAll(clientID)
	}

	if pkt.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:      pkt.WillTopic,
			Payload:    pkt.WillPayload,
			QoS:        byte(pkt.WillQoS),
			Retain:     pkt.WillRetain,
			Properties: propsToMap(&pkt.WillProperties),
		}, propU32(&pkt.WillProperties, encoding.PropWillDelayInterval, 0))
	}

	c.clientID = clientID
	c.protocolVersion = pkt.ProtocolVersion
	c.keepAlive = pkt.KeepAlive
	keepAliveOverridden := false
	if ka := b.cfg.Capabilities.ServerKeepAlive; ka > 0 {
		c.keepAlive = ka
		keepAliveOverridden = true
	}
	c.receiveMaximum = propU16(&pkt.Properties, encoding.PropReceiveMaximum, 65535)
	c.maxPacketSize = propU32(&pkt.Properties, encoding.PropMaximumPacketSize, 0)
	c.sessionPresent = present
	c.sess = sess
	c.state = stateConnected
	c.lastPacketAt = c.connectedAt
	delete(b.awaiting, c)

	maxAlias := propU16(&pkt.Properties, encoding.PropTopicAliasMaximum, 0)
	if maxAlias > b.cfg.Capabilities.TopicAliasMaximum {
		maxAlias = b.cfg.Capabilities.TopicAliasMaximum
	}
	c.topicAliases.SetMax(maxAlias)

	inCfg := *b.cfg.QoSConfig
	inCfg.ExternalTick = true
	c.qosIn = qos.NewHandler(&inCfg)

	outCfg := *b.cfg.QoSConfig
	outCfg.MaxInflight = c.receiveMaximum
	outCfg.ExternalTick = true
	c.qosOut = qos.NewHandler(&outCfg)

	b.wireQoSCallbacks(c)

	b.clients[clientID] = c

	if present {
		b.replayPendingPublishes(c)
	}

	if err := b.hooks.OnConnect(hc, hookPkt); err != nil {
		ack.ReasonCode = encoding.ReasonImplementationSpecificError
		return ack
	}

	ack.SessionPresent = present
	ack.ReasonCode = encoding.ReasonSuccess
	if assigned {
		ack.Properties.Properties = append(ack.Properties.Properties,
			encoding.Property{ID: encoding.PropAssignedClientIdentifier, Value: clientID})
	}
	ack.Properties.Properties = append(ack.Properties.Properties,
		encoding.Property{ID: encoding.PropReceiveMaximum, Value: b.cfg.Capabilities.ReceiveMaximum},
		encoding.Property{ID: encoding.PropMaximumQoS, Value: b.cfg.Capabilities.MaximumQoS},
		encoding.Property{ID: encoding.PropRetainAvailable, Value: boolByte(b.cfg.Capabilities.RetainAvailable)},
		encoding.Property{ID: encoding.PropTopicAliasMaximum, Value: b.cfg.Capabilities.TopicAliasMaximum},
		encoding.Property{ID: encoding.PropWildcardSubscriptionAvailable, Value: boolByte(b.cfg.Capabilities.WildcardSubAvailable)},
		encoding.Property{ID: encoding.PropSubscriptionIdentifierAvailable, Value: boolByte(b.cfg.Capabilities.SubscriptionIDAvailable)},
		encoding.Property{ID: encoding.PropSharedSubscriptionAvailable, Value: boolByte(b.cfg.Capabilities.SharedSubAvailable)},
	)
	if b.cfg.Capabilities.MaximumPacketSize > 0 {
		ack.Properties.Properties = append(ack.Properties.Properties,
			encoding.Property{ID: encoding.PropMaximumPacketSize, Value: b.cfg.Capabilities.MaximumPacketSize})
	}
	if expiryClamped {
		ack.Properties.Properties = append(ack.Properties.Properties,
			encoding.Property{ID: encoding.PropSessionExpiryInterval, Value: expiry})
	}
	if keepAliveOverridden {
		ack.Properties.Properties = append(ack.Properties.Properties,
			encoding.Property{ID: encoding.PropServerKeepAlive, Value: c.keepAlive})
	}

	if err := b.hooks.OnSessionEstablished(hc, hookPkt); err != nil {
		b.log.Warn("session established hook failed", "client_id", clientID, "error", err)
	}

	if b.metrics != nil {
		b.metrics.SetConnectedClients(len(b.clients))
	}

	return ack
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func propU32(p *encoding.Properties, id encoding.PropertyID, def uint32) uint32 {
	if prop := p.GetProperty(id); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			return v
		}
	}
	return def
}

func propU16(p *encoding.Properties, id encoding.PropertyID, def uint16) uint16 {
	if prop := p.GetProperty(id); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			return v
		}
	}
	return def
}

func propsToMap(p *encoding.Properties) map[string]interface{} {
	m := make(map[string]interface{}, len(p.Properties))
	for _, prop := range p.Properties {
		m[prop.ID.String()] = prop.Value
	}
	return m
}
