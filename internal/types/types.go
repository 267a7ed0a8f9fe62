package types

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is one inbound frame. Payload is decoded according to Type.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is one outbound frame. Seq increases by one per event within
// a room so clients can drop replays they have already applied.
type ServerMessage struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewServerMessage(typ, roomID string, payload any) (ServerMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return ServerMessage{Type: typ, RoomID: roomID, Payload: raw}, nil
}

// Decode unmarshals the payload of m into v.
func (m ClientMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}
