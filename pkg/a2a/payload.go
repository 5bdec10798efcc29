package a2a

import (
	"encoding/json"
	"fmt"
)

// PayloadType tags the payload variant on the wire.
type PayloadType string

const (
	PayloadString  PayloadType = "string"
	PayloadData    PayloadType = "data"
	PayloadCommand PayloadType = "command"
	PayloadEvent   PayloadType = "event"
	PayloadError   PayloadType = "error"
)

// Payload is the tagged variant carried by every message. Exactly one
// concrete type exists per tag; the wire form is {"type": tag, ...fields}.
type Payload interface {
	PayloadType() PayloadType
}

// TextPayload carries plain text.
type TextPayload struct {
	Content string `json:"content"`
}

func (*TextPayload) PayloadType() PayloadType { return PayloadString }

// DataPayload carries a structured document.
type DataPayload struct {
	Data map[string]any `json:"data"`
}

func (*DataPayload) PayloadType() PayloadType { return PayloadData }

// CommandPayload asks the recipient to perform a named operation.
type CommandPayload struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

func (*CommandPayload) PayloadType() PayloadType { return PayloadCommand }

// EventPayload announces something that happened.
type EventPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

func (*EventPayload) PayloadType() PayloadType { return PayloadEvent }

// ErrorPayload reports a failure.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (*ErrorPayload) PayloadType() PayloadType { return PayloadError }

// Text is a shorthand constructor for TextPayload.
func Text(content string) *TextPayload {
	return &TextPayload{Content: content}
}

// Data is a shorthand constructor for DataPayload.
func Data(data map[string]any) *DataPayload {
	return &DataPayload{Data: data}
}

// EncodePayload serializes a payload into its tagged wire form.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload body: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten payload body: %w", err)
	}
	tag, err := json.Marshal(p.PayloadType())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// DecodePayload parses the tagged wire form back into its concrete variant.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var probe struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("read payload tag: %w", err)
	}

	var p Payload
	switch probe.Type {
	case PayloadString:
		p = &TextPayload{}
	case PayloadData:
		p = &DataPayload{}
	case PayloadCommand:
		p = &CommandPayload{}
	case PayloadEvent:
		p = &EventPayload{}
	case PayloadError:
		p = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", probe.Type)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", probe.Type, err)
	}
	return p, nil
}
