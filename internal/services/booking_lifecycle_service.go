package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/telemetry"
)

// Actor is the verified identity behind a status change together with the
// capacity the caller claims to act in
type Actor struct {
	UserID uuid.UUID
	Role   models.ActorRole
}

// SystemActor is used by background jobs
func SystemActor() Actor {
	return Actor{Role: models.ActorSystem}
}

// allowedTransitions is the booking FSM. Cancelled has no outgoing edges.
var allowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingStatusPending:   {models.BookingStatusConfirmed, models.BookingStatusCancelled},
	models.BookingStatusConfirmed: {models.BookingStatusCancelled},
}

// CanTransition reports whether the FSM has an edge from -> to
func CanTransition(from, to models.BookingStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BookingLifecycleConfig holds lifecycle settings
type BookingLifecycleConfig struct {
	PendingTTL time.Duration // 0 disables expiry of stale Pending bookings
	BatchSize  int
}

// BookingLifecycleService owns booking status transitions and keeps the
// listing's availability status in step with them
type BookingLifecycleService struct {
	db       *database.DB
	listings *database.ListingRepository
	bookings *database.BookingRepository
	ledger   *AvailabilityLedger
	audit    *AuditService
	locks    *KeyedMutex
	clock    clock.Clock
	metrics  *telemetry.Metrics
	notifier BookingNotifier
	config   BookingLifecycleConfig
	logger   *logrus.Logger
}

// NewBookingLifecycleService creates a new lifecycle service
func NewBookingLifecycleService(
	db *database.DB,
	listings *database.ListingRepository,
	bookings *database.BookingRepository,
	ledger *AvailabilityLedger,
	audit *AuditService,
	locks *KeyedMutex,
	clk clock.Clock,
	metrics *telemetry.Metrics,
	config BookingLifecycleConfig,
	logger *logrus.Logger,
) *BookingLifecycleService {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &BookingLifecycleService{
		db:       db,
		listings: listings,
		bookings: bookings,
		ledger:   ledger,
		audit:    audit,
		locks:    locks,
		clock:    clk,
		metrics:  metrics,
		config:   config,
		logger:   logger,
	}
}

// SetNotifier installs the post-commit observer
func (s *BookingLifecycleService) SetNotifier(n BookingNotifier) {
	s.notifier = n
}

// UpdateStatus moves a booking to status `to` on behalf of actor.
// Illegal edges and actors without the right to take them both fail with
// ErrInvalidTransition, and nothing is written.
func (s *BookingLifecycleService) UpdateStatus(ctx context.Context, bookingID uuid.UUID, to models.BookingStatus, actor Actor, reason *string, meta models.RequestMeta) (*models.Booking, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.update_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", bookingID.String()),
		attribute.String("to_status", string(to)),
		attribute.String("actor_role", string(actor.Role)),
	)

	// listing_id never changes, so it can be read before the locks are taken
	existing, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, models.NewNotFoundError("BOOKING_NOT_FOUND", "Booking not found")
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	event, err := s.transition(ctx, existing.ListingID, bookingID, to, actor, reason, meta)
	if err != nil {
		span.RecordError(err)
		if !models.IsDomainError(err) {
			return nil, fmt.Errorf("failed to update booking status: %w", err)
		}
		return nil, err
	}

	s.metrics.BookingTransition(ctx, string(event.From), string(to), string(actor.Role))
	s.logger.WithFields(logrus.Fields{
		"booking_id":     bookingID,
		"listing_id":     event.Booking.ListingID,
		"from_status":    event.From,
		"to_status":      to,
		"actor_role":     actor.Role,
		"listing_status": event.ListingStatus,
	}).Info("Booking status updated")

	if s.notifier != nil {
		s.notifier.BookingChanged(ctx, event)
	}

	return event.Booking, nil
}

// transition applies one status change under the listing and booking locks.
// The locks are released when it returns, before UpdateStatus notifies, so
// thread messages never hold up other bookings on the listing.
func (s *BookingLifecycleService) transition(ctx context.Context, listingID, bookingID uuid.UUID, to models.BookingStatus, actor Actor, reason *string, meta models.RequestMeta) (BookingEvent, error) {
	unlockListing := s.locks.Lock(listingLockKey(listingID.String()))
	defer unlockListing()
	unlockBooking := s.locks.Lock(bookingLockKey(bookingID.String()))
	defer unlockBooking()

	now := s.clock.Now()
	today := models.DateOf(now)

	var event BookingEvent
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		listing, err := s.listings.LockForUpdate(ctx, listingID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
			}
			return err
		}

		booking, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return err
		}
		from := booking.Status

		if err := authorizeTransition(booking, listing, from, to, actor); err != nil {
			return err
		}

		change := database.StatusChange{From: from, To: to, At: now}
		if to == models.BookingStatusCancelled {
			role := actor.Role
			change.CancelledBy = &role
			change.CancellationReason = reason
		}
		ok, err := s.bookings.CompareAndSetStatus(ctx, bookingID, change)
		if err != nil {
			return err
		}
		if !ok {
			return models.NewInvalidTransitionError("STATUS_CHANGED", "Booking status was changed by another request")
		}

		updated, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return err
		}

		status, err := s.syncListingStatus(ctx, listing, today, now)
		if err != nil {
			return err
		}

		if err := s.audit.LogBookingTransition(ctx, updated, from, actor, reason, status, meta); err != nil {
			return err
		}

		event = BookingEvent{
			Booking:       updated,
			OwnerID:       listing.OwnerID,
			From:          from,
			Actor:         actor,
			Reason:        reason,
			ListingStatus: status,
		}
		return nil
	})
	return event, err
}

// authorizeTransition checks the FSM edge first, then whether actor may take it
func authorizeTransition(booking *models.Booking, listing *models.Listing, from, to models.BookingStatus, actor Actor) error {
	if !CanTransition(from, to) {
		return models.NewInvalidTransitionError("INVALID_TRANSITION",
			fmt.Sprintf("Cannot change booking status from %s to %s", from, to))
	}

	switch actor.Role {
	case models.ActorSeller:
		if actor.UserID != listing.OwnerID {
			return models.NewInvalidTransitionError("NOT_LISTING_OWNER", "Only the listing owner can act as seller")
		}
		return nil

	case models.ActorBuyer:
		if actor.UserID != booking.BuyerID {
			return models.NewInvalidTransitionError("NOT_BOOKING_BUYER", "Only the buyer of this booking can act as buyer")
		}
		if from != models.BookingStatusPending || to != models.BookingStatusCancelled {
			return models.NewInvalidTransitionError("ACTOR_NOT_PERMITTED", "Buyers can only cancel a pending booking")
		}
		return nil

	case models.ActorSystem:
		if from != models.BookingStatusPending || to != models.BookingStatusCancelled {
			return models.NewInvalidTransitionError("ACTOR_NOT_PERMITTED", "System jobs can only cancel a pending booking")
		}
		return nil
	}

	return models.NewInvalidTransitionError("INVALID_ACTOR_ROLE", "Unknown actor role")
}

// syncListingStatus recomputes the listing's status from the ledger and
// stores it when it changed. Must run inside the listing's transaction.
func (s *BookingLifecycleService) syncListingStatus(ctx context.Context, listing *models.Listing, today models.Date, now time.Time) (models.AvailabilityStatus, error) {
	claims, err := s.ledger.Query(ctx, listing.ID, today)
	if err != nil {
		return "", err
	}
	status := DeriveStatus(claims, today)
	if status != listing.AvailabilityStatus {
		if err := s.listings.UpdateStatus(ctx, listing.ID, status, now); err != nil {
			return "", err
		}
	}
	return status, nil
}

// ExpireStalePending cancels Pending bookings older than the configured TTL
// as the system actor. Returns how many were cancelled.
func (s *BookingLifecycleService) ExpireStalePending(ctx context.Context) (int, error) {
	if s.config.PendingTTL <= 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-s.config.PendingTTL)
	stale, err := s.bookings.ListStalePending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale bookings: %w", err)
	}

	reason := "Pending booking expired"
	expired := 0
	for i := range stale {
		_, err := s.UpdateStatus(ctx, stale[i].ID, models.BookingStatusCancelled, SystemActor(), &reason, models.RequestMeta{})
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				// confirmed or cancelled since it was listed
				continue
			}
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		s.logger.WithFields(logrus.Fields{
			"expired": expired,
			"cutoff":  cutoff,
		}).Info("Expired stale pending bookings")
	}
	return expired, nil
}

// RefreshListingStatuses recomputes listings whose stored status may have
// gone stale because a rental interval ended. Returns how many changed.
func (s *BookingLifecycleService) RefreshListingStatuses(ctx context.Context) (int, error) {
	var candidates []uuid.UUID
	for _, status := range []models.AvailabilityStatus{models.ListingRented, models.ListingPending} {
		ids, err := s.listings.ListIDsByStatus(ctx, status)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, ids...)
	}

	changed := 0
	for _, id := range candidates {
		ok, err := s.RefreshListing(ctx, id)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// RefreshListing recomputes one listing's status under its lock and reports
// whether it changed
func (s *BookingLifecycleService) RefreshListing(ctx context.Context, listingID uuid.UUID) (bool, error) {
	unlock := s.locks.Lock(listingLockKey(listingID.String()))
	defer unlock()

	now := s.clock.Now()
	changed := false
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		changed = false

		listing, err := s.listings.LockForUpdate(ctx, listingID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
			}
			return err
		}

		status, err := s.syncListingStatus(ctx, listing, models.DateOf(now), now)
		if err != nil {
			return err
		}
		if status == listing.AvailabilityStatus {
			return nil
		}

		changed = true
		return s.audit.LogListingStatusRefreshed(ctx, listing.ID, listing.AvailabilityStatus, status)
	})
	return changed, err
}
