package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/telemetry"
)

// BookingEvent describes a committed booking change
type BookingEvent struct {
	Booking       *models.Booking
	OwnerID       uuid.UUID
	From          models.BookingStatus // empty for a new booking
	Actor         Actor
	Reason        *string
	ListingStatus models.AvailabilityStatus
}

// BookingNotifier is told about booking changes after they commit.
// Implementations must not fail the change; they log their own errors.
type BookingNotifier interface {
	BookingChanged(ctx context.Context, event BookingEvent)
}

// BookingNotifiers fans one event out to several notifiers in order
type BookingNotifiers []BookingNotifier

func (n BookingNotifiers) BookingChanged(ctx context.Context, event BookingEvent) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.BookingChanged(ctx, event)
		}
	}
}

// ReservationService admits or rejects new bookings against the availability ledger
type ReservationService struct {
	db       *database.DB
	listings *database.ListingRepository
	bookings *database.BookingRepository
	ledger   *AvailabilityLedger
	audit    *AuditService
	locks    *KeyedMutex
	clock    clock.Clock
	metrics  *telemetry.Metrics
	notifier BookingNotifier
	logger   *logrus.Logger
}

// NewReservationService creates a new reservation service. locks must be the
// same KeyedMutex the lifecycle service uses.
func NewReservationService(
	db *database.DB,
	listings *database.ListingRepository,
	bookings *database.BookingRepository,
	ledger *AvailabilityLedger,
	audit *AuditService,
	locks *KeyedMutex,
	clk clock.Clock,
	metrics *telemetry.Metrics,
	logger *logrus.Logger,
) *ReservationService {
	return &ReservationService{
		db:       db,
		listings: listings,
		bookings: bookings,
		ledger:   ledger,
		audit:    audit,
		locks:    locks,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetNotifier installs the post-commit observer
func (s *ReservationService) SetNotifier(n BookingNotifier) {
	s.notifier = n
}

// CreateBooking admits a Pending booking for buyerID or rejects it.
// The conflict check and the insert run under the listing's lock, so two
// requests for the same listing can never both be admitted when they collide.
func (s *ReservationService) CreateBooking(ctx context.Context, buyerID uuid.UUID, in models.BookingInput, meta models.RequestMeta) (*models.Booking, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "reservation.create_booking")
	defer span.End()
	span.SetAttributes(
		attribute.String("listing_id", in.ListingID.String()),
		attribute.String("booking_type", string(in.BookingType)),
	)

	now := s.clock.Now()
	today := models.DateOf(now)

	if err := validateBookingInput(in, today); err != nil {
		return nil, err
	}

	booking, ownerID, listingStatus, err := s.insertBooking(ctx, buyerID, in, meta, now, today)
	if err != nil {
		var de *models.DomainError
		if errors.As(err, &de) && errors.Is(err, models.ErrConflict) {
			s.metrics.BookingConflict(ctx, de.Code)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !models.IsDomainError(err) {
			return nil, fmt.Errorf("failed to create booking: %w", err)
		}
		return nil, err
	}

	s.metrics.BookingCreated(ctx, string(booking.BookingType))
	s.logger.WithFields(logrus.Fields{
		"booking_id":     booking.ID,
		"listing_id":     booking.ListingID,
		"buyer_id":       buyerID,
		"booking_type":   booking.BookingType,
		"listing_status": listingStatus,
	}).Info("Booking created")

	if s.notifier != nil {
		s.notifier.BookingChanged(ctx, BookingEvent{
			Booking:       booking,
			OwnerID:       ownerID,
			Actor:         Actor{UserID: buyerID, Role: models.ActorBuyer},
			ListingStatus: listingStatus,
		})
	}

	return booking, nil
}

// insertBooking checks the ledger and stores the booking under the listing
// lock, which is released before CreateBooking notifies.
func (s *ReservationService) insertBooking(ctx context.Context, buyerID uuid.UUID, in models.BookingInput, meta models.RequestMeta, now time.Time, today models.Date) (booking *models.Booking, ownerID uuid.UUID, listingStatus models.AvailabilityStatus, err error) {
	unlock := s.locks.Lock(listingLockKey(in.ListingID.String()))
	defer unlock()

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		listing, err := s.listings.LockForUpdate(ctx, in.ListingID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
			}
			return err
		}
		if listing.OwnerID == buyerID {
			return models.NewValidationError("OWN_LISTING", "You cannot book your own listing")
		}

		claims, err := s.ledger.Query(ctx, listing.ID, today)
		if err != nil {
			return err
		}

		switch current := DeriveStatus(claims, today); {
		case current == models.ListingSold:
			return models.NewConflictError("LISTING_SOLD", "Listing has already been sold")
		case current == models.ListingRented && s.ledger.Policy() == models.RentalPolicyExclusive:
			return models.NewConflictError("LISTING_RENTED", "Listing is currently rented")
		}

		b := &models.Booking{
			ID:          uuid.New(),
			ListingID:   listing.ID,
			BuyerID:     buyerID,
			BookingType: in.BookingType,
			Status:      models.BookingStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if in.Period != nil {
			start, end := in.Period.Start, in.Period.End
			b.StartDate = &start
			b.EndDate = &end
		}

		if blocking := ConflictingClaims(claims, b.Claim()); len(blocking) > 0 {
			return conflictError(blocking)
		}

		if err := s.bookings.Create(ctx, b); err != nil {
			return err
		}

		status := DeriveStatus(append(claims, b.Claim()), today)
		if status != listing.AvailabilityStatus {
			if err := s.listings.UpdateStatus(ctx, listing.ID, status, now); err != nil {
				return err
			}
		}

		if err := s.audit.LogBookingCreated(ctx, b, status, meta); err != nil {
			return err
		}

		booking = b
		ownerID = listing.OwnerID
		listingStatus = status
		return nil
	})
	return booking, ownerID, listingStatus, err
}

func validateBookingInput(in models.BookingInput, today models.Date) error {
	if in.ListingID == uuid.Nil {
		return models.NewValidationError("INVALID_LISTING_ID", "listing_id is required")
	}

	switch in.BookingType {
	case models.BookingTypeBuying:
		if in.Period != nil {
			return models.NewValidationError("UNEXPECTED_DATES", "start_date and end_date are only allowed for RENTAL bookings")
		}
	case models.BookingTypeRental:
		if in.Period == nil {
			return models.NewValidationError("MISSING_DATES", "start_date and end_date are required for RENTAL bookings")
		}
		if !in.Period.Start.Before(in.Period.End) {
			return models.NewValidationError("INVALID_DATE_RANGE", "start_date must be before end_date")
		}
		if in.Period.Start.Before(today) {
			return models.NewValidationError("START_DATE_IN_PAST", "start_date cannot be in the past")
		}
	default:
		return models.NewValidationError("INVALID_BOOKING_TYPE", "booking_type must be BUYING or RENTAL")
	}
	return nil
}

func conflictError(blocking []models.Claim) error {
	ids := make([]string, 0, len(blocking))
	for _, c := range blocking {
		ids = append(ids, c.BookingID.String())
	}

	first := blocking[0]
	message := "Listing already has an active purchase request"
	if first.BookingType == models.BookingTypeRental && first.Period != nil {
		message = fmt.Sprintf("Listing is already booked from %s to %s", first.Period.Start, first.Period.End)
	}

	return models.WithDetails(
		models.NewConflictError("BOOKING_CONFLICT", message),
		map[string]interface{}{"conflicting_bookings": ids},
	)
}
