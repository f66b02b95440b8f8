package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type greeting struct {
	Text string
}

func TestEnvelopeRoundTripJSON(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.RegisterType("greeting", func() any { return new(greeting) })

	payload, err := reg.Encode(SerializerJSON, "greeting", &greeting{Text: "hi"})
	require.NoError(t, err)

	env := Envelope{
		ProtoVersion:  ProtoVersion,
		SenderPath:    "pekko://sys@host1:2551/user/a",
		RecipientPath: "pekko://sys@host2:2551/user/b",
		TypeTag:       "greeting",
		SerializerID:  SerializerJSON,
		Payload:       payload,
		CorrelationID: "corr-1",
		Deadline:      time.Now().Add(time.Second).Truncate(time.Nanosecond),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)

	require.Equal(t, env.ProtoVersion, got.ProtoVersion)
	require.Equal(t, env.SenderPath, got.SenderPath)
	require.Equal(t, env.RecipientPath, got.RecipientPath)
	require.Equal(t, env.TypeTag, got.TypeTag)
	require.Equal(t, env.CorrelationID, got.CorrelationID)
	require.True(t, env.Deadline.Equal(got.Deadline))

	decoded, err := reg.Decode(got.SerializerID, got.TypeTag, got.Payload)
	require.NoError(t, err)
	require.Equal(t, &greeting{Text: "hi"}, decoded)
}

func TestEnvelopeRoundTripGob(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.RegisterType("greeting", func() any { return new(greeting) })

	payload, err := reg.Encode(SerializerGob, "greeting", &greeting{Text: "bonjour"})
	require.NoError(t, err)

	env := Envelope{
		ProtoVersion:  ProtoVersion,
		RecipientPath: "pekko://sys@host2:2551/user/b",
		TypeTag:       "greeting",
		SerializerID:  SerializerGob,
		Payload:       payload,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.False(t, got.HasDeadline())

	decoded, err := reg.Decode(got.SerializerID, got.TypeTag, got.Payload)
	require.NoError(t, err)
	require.Equal(t, &greeting{Text: "bonjour"}, decoded)
}

func TestEnvelopeWithoutTrailer(t *testing.T) {
	t.Parallel()

	env := Envelope{
		ProtoVersion:  ProtoVersion,
		RecipientPath: "pekko://sys@host2:2551/user/b",
		TypeTag:       "greeting",
		SerializerID:  SerializerJSON,
		Payload:       []byte(`{"Text":"hi"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Empty(t, got.CorrelationID)
	require.False(t, got.HasDeadline())
}

func TestReadEnvelopeRejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	env := Envelope{
		ProtoVersion:  ProtoVersion + 1,
		RecipientPath: "pekko://sys@host2:2551/user/b",
		TypeTag:       "greeting",
		Payload:       []byte(`{}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	_, err := ReadEnvelope(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReadEnvelopeRejectsTruncatedFrame(t *testing.T) {
	t.Parallel()

	env := Envelope{
		ProtoVersion:  ProtoVersion,
		RecipientPath: "pekko://sys@host2:2551/user/b",
		TypeTag:       "greeting",
		Payload:       []byte(`{"Text":"hi"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := ReadEnvelope(truncated)
	require.Error(t, err)
}

func TestDecodeUnknownTypeTag(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	_, err := reg.Decode(SerializerJSON, "nope", []byte(`{}`))
	require.Error(t, err)

	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	require.Equal(t, "nope", serErr.TypeTag)
}

func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	past := Envelope{Deadline: now.Add(-time.Second)}
	require.True(t, past.Expired(now))

	future := Envelope{Deadline: now.Add(time.Second)}
	require.False(t, future.Expired(now))

	none := Envelope{}
	require.False(t, none.Expired(now))
}
