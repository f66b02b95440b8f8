package wire

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sync"
)

// Serializer encodes and decodes payloads for a single manifest (message
// type tag). Deserialize must produce a value of the same concrete type
// Serialize was given, since the registry looks up decoders by TypeTag
// alone.
type Serializer interface {
	// ID identifies which SerializerID this implementation backs.
	ID() SerializerID

	// Serialize encodes v to bytes.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes b into a new value of the type registered
	// under typeTag.
	Deserialize(typeTag string, b []byte) (any, error)
}

// SerializationError wraps a failure to encode or decode a payload,
// carrying the manifest it failed for.
type SerializationError struct {
	TypeTag string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("wire: serialization error for %q: %v", e.TypeTag, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Registry maps TypeTag manifests to the Go type used to decode them, and
// dispatches Serialize/Deserialize calls to the right Serializer by
// SerializerID. A process registers every message type it expects to
// receive over the wire at startup; an unregistered TypeTag fails
// deserialization rather than guessing.
type Registry struct {
	mu          sync.RWMutex
	types       map[string]func() any
	serializers map[SerializerID]Serializer
}

// NewRegistry returns a Registry with the default JSON and gob serializers
// already registered.
func NewRegistry() *Registry {
	r := &Registry{
		types:       make(map[string]func() any),
		serializers: make(map[SerializerID]Serializer),
	}

	r.RegisterSerializer(&jsonSerializer{reg: r})
	r.RegisterSerializer(&gobSerializer{reg: r})

	return r
}

// RegisterSerializer installs or replaces the Serializer used for its ID.
func (r *Registry) RegisterSerializer(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serializers[s.ID()] = s
}

// RegisterType associates a TypeTag manifest with a zero-value factory, so
// that Deserialize knows what concrete type to decode into. newVal must
// return a pointer to a fresh zero value (e.g. func() any { return new(T) }).
func (r *Registry) RegisterType(typeTag string, newVal func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[typeTag] = newVal
}

func (r *Registry) newValue(typeTag string) (any, error) {
	r.mu.RLock()
	factory, ok := r.types[typeTag]
	r.mu.RUnlock()

	if !ok {
		return nil, &SerializationError{
			TypeTag: typeTag,
			Err:     ErrUnknownSerializer,
		}
	}

	return factory(), nil
}

// Encode serializes v into an Envelope payload using the serializer
// identified by id. typeTag only labels a returned SerializationError; the
// caller sets Envelope.TypeTag itself.
func (r *Registry) Encode(id SerializerID, typeTag string, v any) ([]byte, error) {
	r.mu.RLock()
	s, ok := r.serializers[id]
	r.mu.RUnlock()

	if !ok {
		return nil, &SerializationError{TypeTag: typeTag, Err: ErrUnknownSerializer}
	}

	b, err := s.Serialize(v)
	if err != nil {
		return nil, &SerializationError{TypeTag: typeTag, Err: err}
	}

	return b, nil
}

// Decode reverses Encode: it looks up the Serializer for id and the target
// type for typeTag, and decodes payload into a fresh value of that type.
func (r *Registry) Decode(id SerializerID, typeTag string, payload []byte) (any, error) {
	r.mu.RLock()
	s, ok := r.serializers[id]
	r.mu.RUnlock()

	if !ok {
		return nil, &SerializationError{TypeTag: typeTag, Err: ErrUnknownSerializer}
	}

	v, err := s.Deserialize(typeTag, payload)
	if err != nil {
		return nil, &SerializationError{TypeTag: typeTag, Err: err}
	}

	return v, nil
}

// jsonSerializer is the default payload codec, matching the teacher's own
// convention of plain encoding/json request/response bodies.
type jsonSerializer struct {
	reg *Registry
}

func (s *jsonSerializer) ID() SerializerID { return SerializerJSON }

func (s *jsonSerializer) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *jsonSerializer) Deserialize(typeTag string, b []byte) (any, error) {
	v, err := s.reg.newValue(typeTag)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}

	return v, nil
}

// gobSerializer is the alternate codec for payloads that don't round-trip
// cleanly through JSON.
type gobSerializer struct {
	reg *Registry
}

func (s *gobSerializer) ID() SerializerID { return SerializerGob }

func (s *gobSerializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *gobSerializer) Deserialize(typeTag string, b []byte) (any, error) {
	v, err := s.reg.newValue(typeTag)
	if err != nil {
		return nil, err
	}

	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return nil, err
	}

	return v, nil
}

var (
	_ Serializer = (*jsonSerializer)(nil)
	_ Serializer = (*gobSerializer)(nil)
)
