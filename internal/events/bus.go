// Package events provides the in-process event bus carrying task and session
// lifecycle events between the scheduler and its observers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event subjects.
const (
	SubjectTaskSubmitted  = "task.submitted"
	SubjectTaskStarted    = "task.started"
	SubjectTaskCompleted  = "task.completed"
	SubjectTaskFailed     = "task.failed"
	SubjectTaskTimeout    = "task.timeout"
	SubjectTaskError      = "task.error"
	SubjectTaskCancelled  = "task.cancelled"
	SubjectSessionCreated = "session.created"
	SubjectSessionDeleted = "session.deleted"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes events to subject subscribers. Subjects support
// NATS-style wildcards: * matches one token, > matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
