// Package websocket defines the wire envelope and action routing shared by
// the daemon's WebSocket gateway and its clients.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType tags an envelope with its protocol role.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope every frame on the wire carries. Client requests
// set ID so the response can be correlated; server pushes leave it empty.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of a MessageTypeError envelope.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func envelope(id string, typ MessageType, action string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds a response correlated to the request id.
func NewResponse(id, action string, payload any) (*Message, error) {
	return envelope(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an uncorrelated server push.
func NewNotification(action string, payload any) (*Message, error) {
	return envelope("", MessageTypeNotification, action, payload)
}

// NewError builds an error envelope carrying a stable code from the action
// constants in this package.
func NewError(id, action, code, message string, details map[string]any) (*Message, error) {
	return envelope(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload unmarshals the payload into v. A nil payload is a no-op.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
