package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	bookingsCreated    metric.Int64Counter
	bookingConflicts   metric.Int64Counter
	bookingTransitions metric.Int64Counter
	messagesSent       metric.Int64Counter
	rateLimited        metric.Int64Counter
}

// NewMetrics registers the counters on the global meter provider
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	var m Metrics
	var err error
	if m.bookingsCreated, err = meter.Int64Counter("bookings_created_total",
		metric.WithDescription("Bookings admitted by the reservation engine")); err != nil {
		return nil, err
	}
	if m.bookingConflicts, err = meter.Int64Counter("booking_conflicts_total",
		metric.WithDescription("Booking requests rejected because of a conflicting claim")); err != nil {
		return nil, err
	}
	if m.bookingTransitions, err = meter.Int64Counter("booking_transitions_total",
		metric.WithDescription("Booking status transitions applied")); err != nil {
		return nil, err
	}
	if m.messagesSent, err = meter.Int64Counter("messages_sent_total",
		metric.WithDescription("Messages appended to threads")); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("messages_rate_limited_total",
		metric.WithDescription("Messages rejected by the per-sender rate limit")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) BookingCreated(ctx context.Context, bookingType string) {
	if m == nil {
		return
	}
	m.bookingsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("booking_type", bookingType)))
}

func (m *Metrics) BookingConflict(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.bookingConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) BookingTransition(ctx context.Context, from, to, actor string) {
	if m == nil {
		return
	}
	m.bookingTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("actor_role", actor),
	))
}

func (m *Metrics) MessageSent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) MessageRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1)
}
