// Package bridge speaks the native-messaging wire protocol to the browser
// companion extension. Every message is a 4-byte little-endian payload
// length followed by a JSON object. The bridge carries traffic both ways:
// interception events and identity tokens flow in, verdict replies and tab
// commands flow out. Tab commands are request/response pairs correlated by
// message id, which is how the bridge implements session.TabController.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxInboundLength caps a single message read from the companion. The
// browser side can send large bodies (search POST payloads), so the cap is
// generous.
const maxInboundLength = 16 * 1024 * 1024

// maxOutboundLength caps a single message written to the companion. The
// browser runtime rejects native-host messages over 1 MB.
const maxOutboundLength = 1024 * 1024

// envelope is the framing-level message shape. Exactly one of Kind (a new
// message) or ReplyTo (a response) is meaningful.
type envelope struct {
	ID      int64           `json:"id,omitempty"`
	ReplyTo int64           `json:"reply_to,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// writeEnvelope frames and writes one message.
func writeEnvelope(w io.Writer, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > maxOutboundLength {
		return fmt.Errorf("message length %d exceeds maximum %d", len(body), maxOutboundLength)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message payload: %w", err)
	}
	return nil
}

// readEnvelope reads and decodes one framed message. io.EOF surfaces
// unwrapped so callers can detect an orderly companion shutdown.
func readEnvelope(r io.Reader) (envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return envelope{}, io.EOF
		}
		return envelope{}, fmt.Errorf("read message header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxInboundLength {
		return envelope{}, fmt.Errorf("message length %d exceeds maximum %d", length, maxInboundLength)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, fmt.Errorf("read message payload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("decode message: %w", err)
	}
	return env, nil
}
