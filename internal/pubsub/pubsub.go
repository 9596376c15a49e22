// Package pubsub provides a generic publish/subscribe event system.
// Each orchestration component owns a typed broker; subscribers receive
// events on buffered channels scoped to a context.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies an event on the pub/sub wrapper level.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event wraps a typed payload with publication metadata.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
