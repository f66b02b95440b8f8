package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

// maxFrameLen bounds a single frame's body so a corrupt or malicious length
// prefix can't cause an unbounded allocation.
const maxFrameLen = 64 << 20 // 64 MiB

// maxVarLen bounds an individual varstring/varbytes field for the same
// reason.
const maxVarLen = 16 << 20 // 16 MiB

// trailer flag byte values.
const (
	trailerAbsent  byte = 0
	trailerPresent byte = 1
)

// WriteEnvelope frames env as
// [u32 length][u16 protoVersion][varstring senderPath][varstring recipientPath]
// [varstring typeTag][u8 serializerID][varbytes payload][trailer] and writes
// it to w in a single call. The u32 length covers everything after itself.
func WriteEnvelope(w io.Writer, env Envelope) error {
	var body bytes.Buffer

	if err := binary.Write(&body, binary.BigEndian, env.ProtoVersion); err != nil {
		return err
	}

	if err := writeVarString(&body, env.SenderPath); err != nil {
		return err
	}
	if err := writeVarString(&body, env.RecipientPath); err != nil {
		return err
	}
	if err := writeVarString(&body, env.TypeTag); err != nil {
		return err
	}

	if err := body.WriteByte(byte(env.SerializerID)); err != nil {
		return err
	}

	if err := writeVarBytes(&body, env.Payload); err != nil {
		return err
	}

	if err := writeTrailer(&body, env); err != nil {
		return err
	}

	if body.Len() > maxFrameLen {
		return ErrMalformedFrame
	}

	if err := binary.Write(w, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}

	_, err := w.Write(body.Bytes())
	return err
}

// ReadEnvelope reads and decodes one frame from r, blocking until a full
// frame (or an error) is available. A ProtoVersion mismatch or any
// truncated/overrunning field is reported as ErrMalformedFrame; callers
// must drop the connection on that error per the transport's framing
// contract.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, ErrMalformedFrame
		}
		return Envelope{}, err
	}

	if length == 0 || length > maxFrameLen {
		return Envelope{}, ErrMalformedFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Envelope{}, ErrMalformedFrame
		}
		return Envelope{}, err
	}

	return decodeEnvelope(bytes.NewReader(body))
}

func decodeEnvelope(r *bytes.Reader) (Envelope, error) {
	var env Envelope

	if err := binary.Read(r, binary.BigEndian, &env.ProtoVersion); err != nil {
		return Envelope{}, ErrMalformedFrame
	}
	if env.ProtoVersion != ProtoVersion {
		return Envelope{}, ErrMalformedFrame
	}

	var err error
	if env.SenderPath, err = readVarString(r); err != nil {
		return Envelope{}, err
	}
	if env.RecipientPath, err = readVarString(r); err != nil {
		return Envelope{}, err
	}
	if env.TypeTag, err = readVarString(r); err != nil {
		return Envelope{}, err
	}

	serID, err := r.ReadByte()
	if err != nil {
		return Envelope{}, ErrMalformedFrame
	}
	env.SerializerID = SerializerID(serID)

	if env.Payload, err = readVarBytes(r); err != nil {
		return Envelope{}, err
	}

	if err := readTrailer(r, &env); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

func writeTrailer(w *bytes.Buffer, env Envelope) error {
	if env.CorrelationID == "" && !env.HasDeadline() {
		return w.WriteByte(trailerAbsent)
	}

	if err := w.WriteByte(trailerPresent); err != nil {
		return err
	}

	if err := writeVarString(w, env.CorrelationID); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, env.Deadline.UnixNano())
}

func readTrailer(r *bytes.Reader, env *Envelope) error {
	flag, err := r.ReadByte()
	if err != nil {
		return ErrMalformedFrame
	}

	if flag == trailerAbsent {
		return nil
	}
	if flag != trailerPresent {
		return ErrMalformedFrame
	}

	env.CorrelationID, err = readVarString(r)
	if err != nil {
		return err
	}

	var nanos int64
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return ErrMalformedFrame
	}
	env.Deadline = time.Unix(0, nanos).UTC()

	return nil
}

func writeVarString(w *bytes.Buffer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readVarString(r *bytes.Reader) (string, error) {
	b, err := readVarBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeVarBytes(w *bytes.Buffer, b []byte) error {
	if len(b) > maxVarLen {
		return ErrMalformedFrame
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, ErrMalformedFrame
	}

	if length > maxVarLen || int(length) > r.Len() {
		return nil, ErrMalformedFrame
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrMalformedFrame
	}

	return b, nil
}
