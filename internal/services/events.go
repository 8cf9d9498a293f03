package services

import (
	"context"

	"github.com/google/uuid"
)

// Live event types pushed to connected participants
const (
	EventMessageCreated = "message.created"
	EventMessagesRead   = "messages.read"
	EventBookingUpdated = "booking.updated"
)

// EventPublisher delivers an event to whichever of userIDs are connected.
// Offline users simply miss it.
type EventPublisher interface {
	Publish(userIDs []uuid.UUID, eventType string, payload interface{})
}

// BookingEventPublisher forwards committed booking changes to both parties
type BookingEventPublisher struct {
	publisher EventPublisher
}

// NewBookingEventPublisher creates a BookingNotifier that publishes live events
func NewBookingEventPublisher(publisher EventPublisher) *BookingEventPublisher {
	return &BookingEventPublisher{publisher: publisher}
}

func (p *BookingEventPublisher) BookingChanged(_ context.Context, event BookingEvent) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(
		[]uuid.UUID{event.Booking.BuyerID, event.OwnerID},
		EventBookingUpdated,
		map[string]interface{}{
			"booking":        event.Booking,
			"from_status":    event.From,
			"listing_status": event.ListingStatus,
		},
	)
}
