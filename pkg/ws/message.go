// Package ws defines the WebSocket wire protocol for the gateway: a small
// envelope with typed request, response, and event payloads.
package ws

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the envelope variant.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
	MessageTypeError    MessageType = "error"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
)

// Message is the envelope for every frame exchanged over /ws.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries a protocol-level failure.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // in seconds
}

// RequestPayload is the payload of a client request frame.
type RequestPayload struct {
	Input     string         `json:"input"`
	AgentType string         `json:"agentType,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Workspace string         `json:"workspace,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// TaskStatus enumerates the reply-sequence states of a gateway task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ResponsePayload is the payload of a server response frame.
type ResponsePayload struct {
	Status    TaskStatus     `json:"status"`
	TaskID    string         `json:"taskId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// EventPayload is the payload of a server event frame.
type EventPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewRequest creates a request frame.
func NewRequest(id string, payload RequestPayload) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageTypeRequest, ID: id, Payload: data}, nil
}

// NewResponse creates a response frame correlated to a request id.
func NewResponse(id string, payload ResponsePayload) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageTypeResponse, ID: id, Payload: data}, nil
}

// NewEvent creates a push event frame.
func NewEvent(event string, data map[string]any) (*Message, error) {
	payload, err := json.Marshal(EventPayload{Event: event, Data: data})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageTypeEvent, Payload: payload}, nil
}

// NewError creates an error frame correlated to a request id.
func NewError(id, code, message string) *Message {
	return &Message{
		Type:  MessageTypeError,
		ID:    id,
		Error: &ErrorBody{Code: code, Message: message},
	}
}

// NewRateLimited creates the rate-limit error frame with a retry hint.
func NewRateLimited(id string, retryAfterSeconds int) *Message {
	return &Message{
		Type: MessageTypeError,
		ID:   id,
		Error: &ErrorBody{
			Code:       "rate_limited",
			Message:    "too many requests",
			RetryAfter: retryAfterSeconds,
		},
	}
}

// NewPing creates a ping frame.
func NewPing(id string) *Message {
	return &Message{Type: MessageTypePing, ID: id}
}

// NewPong creates the pong answer to a ping frame.
func NewPong(id string) *Message {
	return &Message{Type: MessageTypePong, ID: id}
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}
