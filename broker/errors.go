package broker

import (
	"errors"

	"github.com/relaymq/broker/encoding"
)

// Sentinel errors surfaced by broker-level operations. Protocol decode
// errors from the encoding package are mapped to reason codes separately
// in reasonCodeFor.
var (
	ErrNotConnected       = errors.New("client has not completed CONNECT")
	ErrAlreadyConnected   = errors.New("client already sent CONNECT")
	ErrAuthFailed         = errors.New("authentication rejected by hooks")
	ErrACLDenied          = errors.New("access denied by hooks")
	ErrQuotaExceeded      = errors.New("client exceeded receive maximum")
	ErrTopicAliasInvalid  = errors.New("topic alias out of range or unset")
	ErrSharedSubDisabled  = errors.New("shared subscriptions not available")
	ErrRetainUnavailable  = errors.New("retained messages not available")
	ErrPacketTooLarge     = errors.New("packet exceeds maximum packet size")
	ErrUnsupportedVersion = errors.New("client requested unsupported protocol version")
)

// reasonCodeFor classifies an error raised while processing a packet into
// the MQTT 5 reason code that should be reported back to the client (in a
// CONNACK, a SUBACK entry, a PUBACK/PUBREC, or a DISCONNECT). Errors that
// don't match a known case fall back to ReasonUnspecifiedError so a bug in
// a hook or a future decode error never leaves a connection hanging
// without a reply.
func reasonCodeFor(err error) encoding.ReasonCode {
	switch {
	case err == nil:
		return encoding.ReasonSuccess
	case errors.Is(err, ErrUnsupportedVersion), errors.Is(err, encoding.ErrInvalidProtocolVersion):
		return encoding.ReasonUnsupportedProtocolVersion
	case errors.Is(err, ErrAuthFailed):
		return encoding.ReasonBadUsernameOrPassword
	case errors.Is(err, ErrACLDenied):
		return encoding.ReasonNotAuthorized
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrNotConnected):
		return encoding.ReasonProtocolError
	case errors.Is(err, ErrQuotaExceeded):
		return encoding.ReasonQuotaExceeded
	case errors.Is(err, ErrTopicAliasInvalid):
		return encoding.ReasonTopicAliasInvalid
	case errors.Is(err, ErrSharedSubDisabled):
		return encoding.ReasonSharedSubscriptionsNotSupported
	case errors.Is(err, ErrRetainUnavailable):
		return encoding.ReasonRetainNotSupported
	case errors.Is(err, ErrPacketTooLarge):
		return encoding.ReasonPacketTooLarge
	case errors.Is(err, encoding.ErrInvalidTopicFilter), errors.Is(err, encoding.ErrEmptyTopicFilter):
		return encoding.ReasonTopicFilterInvalid
	case errors.Is(err, encoding.ErrInvalidTopicName), errors.Is(err, encoding.ErrInvalidPublishTopicName):
		return encoding.ReasonTopicNameInvalid
	case errors.Is(err, encoding.ErrInvalidQoS):
		return encoding.ReasonQoSNotSupported
	case errors.Is(err, encoding.ErrMalformedPacket), errors.Is(err, encoding.ErrUnexpectedEOF),
		errors.Is(err, encoding.ErrMalformedVariableByteInteger), errors.Is(err, encoding.ErrInvalidUTF8):
		return encoding.ReasonMalformedPacket
	default:
		return encoding.ReasonUnspecifiedError
	}
}
