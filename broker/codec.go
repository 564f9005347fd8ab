package broker

import (
	"bytes"
	"io"

	"github.com/relaymq/broker/encoding"
)

// encodablePacket is satisfied by every MQTT 5 packet type's Encode
// method in the encoding package.
type encodablePacket interface {
	Encode(w io.Writer) error
}

// writePacket serializes pkt and writes it to c's connection. Hook
// OnPacketEncode gets a chance to transform the wire bytes (e.g. for a
// compression or audit hook) before they leave the process.
func writePacket(c *client, pkt encodablePacket) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}

	raw := buf.Bytes()
	_, err := c.conn.Write(raw)
	return err
}

// propertyNameToID is the reverse of PropertyID.String(), built once so
// application messages carrying named properties (message.Message.Properties
// is a map[string]interface{} for storage-agnostic persistence) can be
// turned back into wire properties when delivered to a subscriber.
var propertyNameToID = func() map[string]encoding.PropertyID {
	names := map[string]encoding.PropertyID{
		"PayloadFormatIndicator":          encoding.PropPayloadFormatIndicator,
		"MessageExpiryInterval":           encoding.PropMessageExpiryInterval,
		"ContentType":                     encoding.PropContentType,
		"ResponseTopic":                   encoding.PropResponseTopic,
		"CorrelationData":                 encoding.PropCorrelationData,
		"SubscriptionIdentifier":          encoding.PropSubscriptionIdentifier,
		"SessionExpiryInterval":           encoding.PropSessionExpiryInterval,
		"AssignedClientIdentifier":        encoding.PropAssignedClientIdentifier,
		"ServerKeepAlive":                 encoding.PropServerKeepAlive,
		"AuthenticationMethod":            encoding.PropAuthenticationMethod,
		"AuthenticationData":              encoding.PropAuthenticationData,
		"RequestProblemInformation":       encoding.PropRequestProblemInformation,
		"WillDelayInterval":               encoding.PropWillDelayInterval,
		"RequestResponseInformation":      encoding.PropRequestResponseInformation,
		"ResponseInformation":             encoding.PropResponseInformation,
		"ServerReference":                 encoding.PropServerReference,
		"ReasonString":                    encoding.PropReasonString,
		"ReceiveMaximum":                  encoding.PropReceiveMaximum,
		"TopicAliasMaximum":               encoding.PropTopicAliasMaximum,
		"TopicAlias":                      encoding.PropTopicAlias,
		"MaximumQoS":                      encoding.PropMaximumQoS,
		"RetainAvailable":                 encoding.PropRetainAvailable,
		"MaximumPacketSize":               encoding.PropMaximumPacketSize,
		"WildcardSubscriptionAvailable":   encoding.PropWildcardSubscriptionAvailable,
		"SubscriptionIdentifierAvailable": encoding.PropSubscriptionIdentifierAvailable,
		"SharedSubscriptionAvailable":     encoding.PropSharedSubscriptionAvailable,
	}
	return names
}()

// mapToProps rebuilds wire Properties from a message's generic property
// map. Unknown keys (e.g. a hook's own bookkeeping entries) are skipped
// rather than rejected, since application messages may carry metadata
// that was never meant to round-trip onto the wire.
func mapToProps(m map[string]interface{}) encoding.Properties {
	props := encoding.Properties{}
	for name, value := range m {
		id, ok := propertyNameToID[name]
		if !ok {
			continue
		}
		_ = props.AddProperty(id, value)
	}
	return props
}
