// Package bus provides the event stream abstraction used between the
// execution core, the gateway, and the consolidation loop. Subjects are
// dot-separated (see package events for the core's topic constants) and
// subscriptions may use NATS-style wildcards.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrRequestTimeout is returned by Request when no reply arrives.
	ErrRequestTimeout = errors.New("event bus request timed out")
)

// Event is one record on the stream. Data is an open map; the core's
// producers keep its values JSON-compatible so the NATS transport and the
// in-memory transport carry the same payloads.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returned errors are logged by the bus
// and never reach the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live binding of a handler to a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented in-memory for single-process deployments and by
// NATS when the core is split across processes.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the named
	// queue group instead of every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes event and waits up to timeout for a reply.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()
	IsConnected() bool
}
