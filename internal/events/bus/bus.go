// Package bus provides the broadcast bus that carries persisted updates
// from the ingest pipeline to the browser fanout. An in-memory
// implementation serves single-instance deployments; NATS serves
// multi-instance control planes.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the broadcast bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp. The
// payload is marshaled into Data.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode parses the event payload into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EventHandler is a function that handles an event. Handlers for one
// subscription are invoked serially in publish order.
type EventHandler func(ctx context.Context, subject string, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the broadcast-bus abstraction. Subjects are dot-separated
// tokens with NATS-style wildcards: "*" matches one token, ">" matches
// the rest.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// Event types carried on project update subjects.
const (
	// EventTypeSessionUpdate carries a canonical wire.Update.
	EventTypeSessionUpdate = "session-update"
	// EventTypeProjectStatus carries a wire.ProjectStatusPayload.
	EventTypeProjectStatus = "project-status"
	// EventTypeChatMessage carries a v1.ChatMessage.
	EventTypeChatMessage = "chat-message"
)

// Subject helpers. Updates for a project are published on
// "project.<id>.updates"; the fanout subscribes to SubjectAllUpdates.

// SubjectProjectUpdates returns the subject for one project's updates.
func SubjectProjectUpdates(projectID string) string {
	return "project." + projectID + ".updates"
}

// SubjectAllUpdates matches every project's update subject.
const SubjectAllUpdates = "project.*.updates"
