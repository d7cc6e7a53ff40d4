// Package protocol defines the control message framing and the voice
// packet format.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/parley-chat/parley/pkg/model"
)

const (
	// MaxControlMessage is the maximum control frame size. File transfers
	// are carried inline, so this is larger than a chat line needs.
	MaxControlMessage = 256 * 1024

	// AuthChannelOK is the reserved channel tag marking a successful
	// authentication reply.
	AuthChannelOK = "@auth/ok"

	// AuthModeLogin and AuthModeRegister select the handshake mode in the
	// client's "password:MODE" auth content.
	AuthModeLogin    = "LOGIN"
	AuthModeRegister = "REGISTER"
)

// Message is a control plane frame. Exactly one of Content or
// (FileName, FileBytes) carries the payload; list kinds put csv in Content.
type Message struct {
	Username  string            `json:"username,omitempty"`
	Content   string            `json:"content,omitempty"`
	FileName  string            `json:"file_name,omitempty"`
	FileBytes []byte            `json:"file_bytes,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Kind      model.MessageKind `json:"kind"`
}

// WriteMessage writes a length-prefixed JSON control frame.
// Format: [4-byte big-endian length][JSON payload]
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxControlMessage {
		return fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data))) //nolint:gosec // length bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON control frame.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return msg, nil
}
