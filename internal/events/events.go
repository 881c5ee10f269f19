// Package events publishes ride lifecycle transitions to a message broker
// for consumers outside the request path.
package events

import (
	"context"
	"time"

	"github.com/example/campus-rides/internal/models"
)

const (
	TypeRideCreated   = "ride.created"
	TypeRideAccepted  = "ride.accepted"
	TypeRideCompleted = "ride.completed"
	TypeRatingAdded   = "rating.submitted"
)

// Event is the message body written to the broker.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Ride       *models.Ride   `json:"ride,omitempty"`
	Rating     *models.Rating `json:"rating,omitempty"`
}

// TypeFor maps a ride state to its event type.
func TypeFor(s models.RideState) string {
	switch s {
	case models.RideAccepted:
		return TypeRideAccepted
	case models.RideCompleted:
		return TypeRideCompleted
	default:
		return TypeRideCreated
	}
}

// RideEvent builds the event for a committed ride snapshot.
func RideEvent(r models.Ride) Event {
	return Event{Type: TypeFor(r.Status), OccurredAt: r.UpdatedAt, Ride: &r}
}

func RatingEvent(r models.Rating) Event {
	return Event{Type: TypeRatingAdded, OccurredAt: r.CreatedAt, Rating: &r}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
