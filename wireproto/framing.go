package wireproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single framed Envelope, guarding against a
// malicious or broken peer claiming an unbounded length prefix.
const MaxMessageSize = 1 << 20 // 1 MiB

// WriteEnvelope frames e as a 4-byte big-endian length prefix followed by
// its JSON encoding, the length-prefixed-JSON analogue of the teacher's
// ggio.NewDelimitedWriter varint-protobuf framing in
// paymentchannels/net.go.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("wireproto: marshal envelope: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("wireproto: envelope too large: %d bytes", len(body))
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wireproto: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wireproto: write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed JSON Envelope from r, the
// counterpart to WriteEnvelope.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("wireproto: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxMessageSize {
		return Envelope{}, fmt.Errorf("wireproto: declared length %d exceeds max %d", n, MaxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wireproto: read envelope body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("wireproto: unmarshal envelope: %w", err)
	}
	return e, nil
}
