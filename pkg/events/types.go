package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Server lifecycle events
	EventServerCreated  EventType = "server.created"
	EventServerDeleted  EventType = "server.deleted"
	EventServerTeardown EventType = "server.teardown_insufficient_funds"

	// Billing events
	EventBalanceLow       EventType = "balance.low"
	EventDepositCompleted EventType = "deposit.completed"
	EventDepositFailed    EventType = "deposit.failed"

	// Volume events
	EventVolumeCreated EventType = "volume.created"
	EventVolumeDeleted EventType = "volume.deleted"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// UserID is the account this event belongs to (empty for system events)
	UserID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
