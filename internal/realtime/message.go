// Package realtime is the push channel between the relay server and
// desktop instances: the server Hub fans inserted command rows out to the
// websocket connections of their owner, the desktop Client receives them.
package realtime

import "encoding/json"

// Message is the envelope for all websocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message types (server → desktop)
const (
	TypeSubscribed = "subscribed"
	TypeInsert     = "insert"
)

// SubscribedPayload confirms the subscription scope.
type SubscribedPayload struct {
	UserID string `json:"user_id"`
	Table  string `json:"table"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}
