// Package events carries lead lifecycle notifications between modules
// without coupling publishers to their consumers. Delivery is asynchronous
// and best-effort: anything that must survive a crash belongs in the store,
// not on the bus.
package events

import (
	"context"
	"time"
)

// Event is implemented by every notification published on the bus.
type Event interface {
	// EventName identifies the event type, e.g. "lead.created".
	EventName() string
	OccurredAt() time.Time
}

// BaseEvent supplies the timestamp common to all events.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEvent stamps an event with the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler consumes events of a subscribed type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// Bus publishes lifecycle notifications to subscribed handlers.
type Bus interface {
	// Publish delivers the event to every handler subscribed to its name.
	// Handlers run asynchronously; a slow or failing handler never blocks
	// the publisher.
	Publish(ctx context.Context, event Event)

	// Subscribe registers a handler for the event name returned by
	// Event.EventName.
	Subscribe(eventName string, handler Handler)
}
