// Package bus abstracts the daemon's internal pub/sub: an in-memory
// implementation for single-process deployments and a NATS-backed one when
// external observers need to tap the task lifecycle.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries subject-specific fields and
// is kept schemaless so subjects can evolve without migrations.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Handlers run on bus goroutines
// and must not block.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be torn down.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is satisfied by both implementations. Subjects are dotted paths
// with NATS wildcard semantics: "*" for one token, ">" for the remainder.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
