// Package wire defines the on-the-wire message envelope exchanged between
// cluster members and the framing/serialization used to put it on a byte
// stream. Actor-local sends never touch this package; it is only involved
// once a message crosses a transport connection to a remote member.
package wire

import (
	"errors"
	"time"
)

// ProtoVersion is the current wire protocol version. A frame whose version
// does not match causes the receiving side to drop the connection.
const ProtoVersion uint16 = 1

// ErrMalformedFrame is returned when a frame cannot be decoded: truncated
// length prefix, a protocol version mismatch, or a field whose declared
// length overruns the buffer.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrUnknownSerializer is returned when an envelope's SerializerID has no
// registered deserializer.
var ErrUnknownSerializer = errors.New("wire: unknown serializer id")

// SerializerID identifies which registered Serializer produced an
// envelope's payload bytes, so the receiving side knows which one to
// decode with.
type SerializerID uint8

const (
	// SerializerJSON is the default payload serializer: stdlib
	// encoding/json. The caller picks the serializer on each
	// Registry.Encode; the Registry keeps no per-type choice.
	SerializerJSON SerializerID = iota

	// SerializerGob is an alternate serializer for payloads that are not
	// JSON-friendly (e.g. types with unexported fields a manifest
	// decoder reconstructs manually).
	SerializerGob
)

// Envelope is the wire form of a single actor message in flight between two
// members. It carries enough addressing information for the receiving
// member to resolve the local recipient without any out-of-band state,
// per the actor address syntax `pekko://<system>@<host>:<port>/<path>`.
type Envelope struct {
	// ProtoVersion gates breaking wire-format changes. A mismatch drops
	// the connection rather than attempting to interpret the frame.
	ProtoVersion uint16

	// SenderPath is the full address of the sending actor, or empty for
	// a fire-and-forget Tell with no reply address.
	SenderPath string

	// RecipientPath is the full address of the destination actor.
	RecipientPath string

	// TypeTag identifies the payload's manifest (message type name), so
	// the receiving side can look up a registered deserializer for it
	// independent of the SerializerID used to encode the bytes.
	TypeTag string

	// SerializerID selects which registered Serializer encoded Payload.
	SerializerID SerializerID

	// Payload is the serialized message body.
	Payload []byte

	// CorrelationID links an Ask's reply envelope back to the waiting
	// future. Empty for plain Tells.
	CorrelationID string

	// Deadline is the absolute time by which the recipient should
	// consider the request expired. Zero means no deadline.
	Deadline time.Time
}

// HasDeadline reports whether the envelope carries a non-zero deadline.
func (e Envelope) HasDeadline() bool {
	return !e.Deadline.IsZero()
}

// Expired reports whether the envelope's deadline, if any, has passed as
// of now.
func (e Envelope) Expired(now time.Time) bool {
	return e.HasDeadline() && now.After(e.Deadline)
}
