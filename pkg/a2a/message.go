// Package a2a defines the typed message model for agent-to-agent
// communication: addresses, priorities, tagged payload variants, and the
// composable delivery filters used by bus subscriptions.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the delivery semantics of a message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeBroadcast    MessageType = "broadcast"
	TypeError        MessageType = "error"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Priority orders messages of the same type.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the numeric ordering of a priority; unknown priorities rank
// as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Valid reports whether the priority is one of the defined levels.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Status tracks a message through the delivery pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Address identifies a message endpoint.
type Address struct {
	AgentID   string `json:"agentId"`
	AgentKind string `json:"agentKind,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Lane      string `json:"lane,omitempty"`
}

// Message is one unit of agent-to-agent communication.
type Message struct {
	ID            string
	Type          MessageType
	Priority      Priority
	Status        Status
	From          Address
	To            []Address
	Payload       Payload
	Timestamp     time.Time
	ExpiresAt     *time.Time
	ReplyTo       string
	CorrelationID string
	RetryCount    int
	MaxRetries    int
}

// jsonMessage is the wire shape; Payload round-trips through the tagged
// envelope.
type jsonMessage struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Priority      Priority        `json:"priority"`
	Status        Status          `json:"status"`
	From          Address         `json:"from"`
	To            []Address       `json:"to"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if m.Payload != nil {
		encoded, err := EncodePayload(m.Payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	return json.Marshal(jsonMessage{
		ID:            m.ID,
		Type:          m.Type,
		Priority:      m.Priority,
		Status:        m.Status,
		From:          m.From,
		To:            m.To,
		Payload:       payload,
		Timestamp:     m.Timestamp,
		ExpiresAt:     m.ExpiresAt,
		ReplyTo:       m.ReplyTo,
		CorrelationID: m.CorrelationID,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw jsonMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var payload Payload
	if len(raw.Payload) > 0 {
		decoded, err := DecodePayload(raw.Payload)
		if err != nil {
			return err
		}
		payload = decoded
	}
	*m = Message{
		ID:            raw.ID,
		Type:          raw.Type,
		Priority:      raw.Priority,
		Status:        raw.Status,
		From:          raw.From,
		To:            raw.To,
		Payload:       payload,
		Timestamp:     raw.Timestamp,
		ExpiresAt:     raw.ExpiresAt,
		ReplyTo:       raw.ReplyTo,
		CorrelationID: raw.CorrelationID,
		RetryCount:    raw.RetryCount,
		MaxRetries:    raw.MaxRetries,
	}
	return nil
}

// NewRequest creates a request message awaiting a correlated response.
func NewRequest(from Address, to Address, payload Payload) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeRequest,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		From:      from,
		To:        []Address{to},
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewResponse creates the response to a request, carrying the reply and
// correlation linkage.
func NewResponse(req *Message, from Address, payload Payload) *Message {
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = req.ID
	}
	return &Message{
		ID:            uuid.New().String(),
		Type:          TypeResponse,
		Priority:      req.Priority,
		Status:        StatusPending,
		From:          from,
		To:            []Address{req.From},
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		ReplyTo:       req.ID,
		CorrelationID: correlation,
	}
}

// NewNotification creates a one-way message to a single recipient.
func NewNotification(from Address, to Address, payload Payload) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeNotification,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		From:      from,
		To:        []Address{to},
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewBroadcast creates a message delivered to every active subscription.
func NewBroadcast(from Address, payload Payload) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeBroadcast,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage creates the error reply to a failed request, with the
// same linkage a response would carry.
func NewErrorMessage(req *Message, from Address, code, message string) *Message {
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = req.ID
	}
	return &Message{
		ID:            uuid.New().String(),
		Type:          TypeError,
		Priority:      req.Priority,
		Status:        StatusPending,
		From:          from,
		To:            []Address{req.From},
		Payload:       &ErrorPayload{Code: code, Message: message},
		Timestamp:     time.Now().UTC(),
		ReplyTo:       req.ID,
		CorrelationID: correlation,
	}
}

// NewHeartbeat creates a presence heartbeat from an agent.
func NewHeartbeat(from Address) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeHeartbeat,
		Priority:  PriorityLow,
		Status:    StatusPending,
		From:      from,
		Payload:   &EventPayload{Event: "heartbeat"},
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks structural requirements before a message enters the bus.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeNotification, TypeBroadcast, TypeError, TypeHeartbeat:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", m.Priority)
	}
	if m.From.AgentID == "" {
		return fmt.Errorf("message from.agentId is required")
	}
	if m.Type != TypeBroadcast && m.Type != TypeHeartbeat && len(m.To) == 0 {
		return fmt.Errorf("message requires at least one recipient")
	}
	for i, to := range m.To {
		if to.AgentID == "" {
			return fmt.Errorf("recipient %d is missing agentId", i)
		}
	}
	if m.Payload == nil {
		return fmt.Errorf("message payload is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message timestamp is required")
	}
	if m.Type == TypeResponse && m.ReplyTo == "" {
		return fmt.Errorf("response requires replyTo")
	}
	return nil
}

// Expired reports whether the message expired before the given instant.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}
