// Package bus broadcasts session lifecycle messages to in-process
// subscribers, optionally mirroring them to NATS for external consumers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/events"
)

// Message is one entry on the session stream. Exactly one of Session or
// Event is set, depending on Kind.
type Message struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Session   *models.Session `json:"session,omitempty"`
	Event     *models.Event   `json:"event,omitempty"`
}

// SessionMessage builds a message for a session lifecycle change.
func SessionMessage(kind string, s *models.Session) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Session:   s,
	}
}

// EventMessage builds a message for an appended session event.
func EventMessage(e *models.Event) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      events.EventAppended,
		Timestamp: time.Now().UTC(),
		Event:     e,
	}
}

// Bus is the session stream. Publishers call Publish after their database
// transaction commits; subscribers receive messages in publication order.
type Bus interface {
	// Publish broadcasts the message to all live subscribers. It never
	// blocks on a slow subscriber.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers a subscriber with a bounded buffer. A subscriber
	// that falls behind is disconnected rather than allowed to block
	// publishers.
	Subscribe(ctx context.Context) (*Subscription, error)

	// SubscribeWithSnapshot runs the snapshot function atomically with
	// subscriber registration: no message published before the snapshot is
	// taken is delivered to the new subscriber, and none published after it
	// is missed.
	SubscribeWithSnapshot(ctx context.Context, snapshot func() ([]Message, error)) (*Subscription, []Message, error)

	// Close disconnects all subscribers and rejects further publishes.
	Close() error
}
