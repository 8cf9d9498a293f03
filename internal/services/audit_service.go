package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/utils"
)

// AuditService records booking changes in audit_logs. Writes join the
// caller's transaction, so a failed audit insert aborts the change itself.
type AuditService struct {
	db    *database.DB
	clock clock.Clock
}

// NewAuditService creates a new audit service
func NewAuditService(db *database.DB, clk clock.Clock) *AuditService {
	return &AuditService{
		db:    db,
		clock: clk,
	}
}

// AuditEvent represents a change to be logged
type AuditEvent struct {
	UserID     *uuid.UUID             // nil for system jobs
	Action     string                 // e.g. "booking_created", "booking_confirmed"
	EntityType string                 // e.g. "booking", "listing"
	EntityID   *uuid.UUID             // ID of the affected entity
	IPAddress  string                 // Client IP address
	UserAgent  string                 // Client user agent
	Details    map[string]interface{} // Additional details stored as JSON
}

// LogBookingCreated logs the admission of a new booking
func (s *AuditService) LogBookingCreated(ctx context.Context, booking *models.Booking, listingStatus models.AvailabilityStatus, meta models.RequestMeta) error {
	details := map[string]interface{}{
		"listing_id":     booking.ListingID,
		"booking_type":   booking.BookingType,
		"listing_status": listingStatus,
		"device_info":    utils.ParseUserAgent(meta.UserAgent),
	}
	if period := booking.Period(); period != nil {
		details["start_date"] = period.Start
		details["end_date"] = period.End
	}

	return s.logEvent(ctx, AuditEvent{
		UserID:     &booking.BuyerID,
		Action:     "booking_created",
		EntityType: "booking",
		EntityID:   &booking.ID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Details:    details,
	})
}

// LogBookingTransition logs a lifecycle status change
func (s *AuditService) LogBookingTransition(ctx context.Context, booking *models.Booking, from models.BookingStatus, actor Actor, reason *string, listingStatus models.AvailabilityStatus, meta models.RequestMeta) error {
	details := map[string]interface{}{
		"listing_id":     booking.ListingID,
		"from_status":    from,
		"to_status":      booking.Status,
		"actor_role":     actor.Role,
		"listing_status": listingStatus,
	}
	if reason != nil && *reason != "" {
		details["reason"] = *reason
	}
	if meta.UserAgent != "" {
		details["device_info"] = utils.ParseUserAgent(meta.UserAgent)
	}

	var userID *uuid.UUID
	if actor.Role != models.ActorSystem {
		id := actor.UserID
		userID = &id
	}

	return s.logEvent(ctx, AuditEvent{
		UserID:     userID,
		Action:     "booking_" + transitionVerb(booking.Status),
		EntityType: "booking",
		EntityID:   &booking.ID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Details:    details,
	})
}

// LogListingStatusRefreshed logs a status change made by the refresh job
func (s *AuditService) LogListingStatusRefreshed(ctx context.Context, listingID uuid.UUID, from, to models.AvailabilityStatus) error {
	return s.logEvent(ctx, AuditEvent{
		Action:     "listing_status_refreshed",
		EntityType: "listing",
		EntityID:   &listingID,
		Details: map[string]interface{}{
			"from_status": from,
			"to_status":   to,
		},
	})
}

// ListForEntity returns audit entries of one entity in insertion order
func (s *AuditService) ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]models.AuditLog, error) {
	query := s.db.Rebind(`
		SELECT id, user_id, action, entity_type, entity_id, ip_address, user_agent, details, created_at
		FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, action ASC
	`)

	logs := []models.AuditLog{}
	if err := sqlx.SelectContext(ctx, s.db.Querier(ctx), &logs, query, entityType, entityID); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}

// logEvent inserts an audit log entry
func (s *AuditService) logEvent(ctx context.Context, event AuditEvent) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO audit_logs (
			id, user_id, action, entity_type, entity_id,
			ip_address, user_agent, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.Querier(ctx).ExecContext(ctx, query,
		uuid.New(),
		nullUUID(event.UserID),
		event.Action,
		event.EntityType,
		nullUUID(event.EntityID),
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		string(detailsJSON),
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

func transitionVerb(to models.BookingStatus) string {
	switch to {
	case models.BookingStatusConfirmed:
		return "confirmed"
	case models.BookingStatusCancelled:
		return "cancelled"
	}
	return "updated"
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
