package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// ThreadService maps (counterpart, listing, booking) onto the one canonical
// conversation of the pair. Both participants resolve the same thread no
// matter who asks first.
type ThreadService struct {
	db            *database.DB
	conversations *database.ConversationRepository
	listings      *database.ListingRepository
	bookings      *database.BookingRepository
	clock         clock.Clock
	logger        *logrus.Logger
}

// NewThreadService creates a new ThreadService
func NewThreadService(
	db *database.DB,
	conversations *database.ConversationRepository,
	listings *database.ListingRepository,
	bookings *database.BookingRepository,
	clk clock.Clock,
	logger *logrus.Logger,
) *ThreadService {
	return &ThreadService{
		db:            db,
		conversations: conversations,
		listings:      listings,
		bookings:      bookings,
		clock:         clk,
		logger:        logger,
	}
}

type threadTarget struct {
	key       string
	listingID uuid.NullUUID
	bookingID uuid.NullUUID
}

// target validates the lookup and computes the canonical thread key.
// A booking implies its listing; the caller must be a party of the booking
// and the counterpart the other party.
func (s *ThreadService) target(ctx context.Context, callerID uuid.UUID, tc models.ThreadContext) (threadTarget, error) {
	var t threadTarget

	if tc.CounterpartID == uuid.Nil {
		return t, models.NewValidationError("INVALID_COUNTERPART", "counterpart is required")
	}
	if tc.CounterpartID == callerID {
		return t, models.NewValidationError("SELF_CONVERSATION", "You cannot start a conversation with yourself")
	}

	t.listingID = tc.ListingID
	t.bookingID = tc.BookingID

	switch {
	case tc.BookingID.Valid:
		detail, err := s.bookings.GetDetail(ctx, tc.BookingID.UUID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return t, models.NewNotFoundError("BOOKING_NOT_FOUND", "Booking not found")
			}
			return t, err
		}
		if callerID != detail.BuyerID && callerID != detail.OwnerID {
			return t, models.NewNotFoundError("BOOKING_NOT_FOUND", "Booking not found")
		}
		other := detail.OwnerID
		if callerID == detail.OwnerID {
			other = detail.BuyerID
		}
		if tc.CounterpartID != other {
			return t, models.NewValidationError("COUNTERPART_MISMATCH", "counterpart is not the other party of this booking")
		}
		if tc.ListingID.Valid && tc.ListingID.UUID != detail.ListingID {
			return t, models.NewValidationError("LISTING_MISMATCH", "booking does not belong to this listing")
		}
		t.listingID = uuid.NullUUID{UUID: detail.ListingID, Valid: true}

	case tc.ListingID.Valid:
		listing, err := s.listings.GetByID(ctx, tc.ListingID.UUID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return t, models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
			}
			return t, err
		}
		if listing.OwnerID != callerID && listing.OwnerID != tc.CounterpartID {
			return t, models.NewValidationError("NOT_LISTING_PARTY", "One participant must own the listing")
		}
	}

	t.key = models.ThreadKey(callerID, tc.CounterpartID, t.listingID)
	return t, nil
}

// Resolve returns the canonical thread for the context, creating it on first use
func (s *ThreadService) Resolve(ctx context.Context, callerID uuid.UUID, tc models.ThreadContext) (*models.Conversation, error) {
	t, err := s.target(ctx, callerID, tc)
	if err != nil {
		return nil, err
	}
	return s.ensure(ctx, callerID, tc.CounterpartID, t)
}

func (s *ThreadService) ensure(ctx context.Context, a, b uuid.UUID, t threadTarget) (*models.Conversation, error) {
	now := s.clock.Now()
	lo, hi := models.OrderedPair(a, b)

	var conv *models.Conversation
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		created, err := s.conversations.InsertIfAbsent(ctx, &models.Conversation{
			ThreadKey: t.key,
			UserLo:    lo,
			UserHi:    hi,
			ListingID: t.listingID,
			BookingID: t.bookingID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}

		existing, err := s.conversations.GetByKey(ctx, t.key)
		if err != nil {
			return err
		}

		if !created && t.bookingID.Valid && existing.BookingID != t.bookingID {
			if err := s.conversations.SetBooking(ctx, existing.ID, t.bookingID.UUID, now); err != nil {
				return err
			}
			existing.BookingID = t.bookingID
			existing.UpdatedAt = now
		}

		if created {
			s.logger.WithFields(logrus.Fields{
				"conversation_id": existing.ID,
				"thread_key":      t.key,
			}).Info("Conversation created")
		}

		conv = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Lookup finds the canonical thread without creating it. Returns nil when
// the pair has not talked in that context yet.
func (s *ThreadService) Lookup(ctx context.Context, callerID uuid.UUID, tc models.ThreadContext) (*models.Conversation, error) {
	t, err := s.target(ctx, callerID, tc)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversations.GetByKey(ctx, t.key)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// ResolveForBooking returns the thread between the booking's buyer and the
// listing owner, scoped to the listing and pointing at the booking
func (s *ThreadService) ResolveForBooking(ctx context.Context, booking *models.Booking, ownerID uuid.UUID) (*models.Conversation, error) {
	listingID := uuid.NullUUID{UUID: booking.ListingID, Valid: true}
	return s.ensure(ctx, booking.BuyerID, ownerID, threadTarget{
		key:       models.ThreadKey(booking.BuyerID, ownerID, listingID),
		listingID: listingID,
		bookingID: uuid.NullUUID{UUID: booking.ID, Valid: true},
	})
}

// Get returns a thread the caller participates in
func (s *ThreadService) Get(ctx context.Context, callerID, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, models.NewNotFoundError("THREAD_NOT_FOUND", "Conversation not found")
		}
		return nil, err
	}
	if !conv.HasParticipant(callerID) {
		return nil, models.NewNotFoundError("THREAD_NOT_FOUND", "Conversation not found")
	}
	return conv, nil
}

// ListForUser returns the caller's inbox
func (s *ThreadService) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ThreadSummary, error) {
	return s.conversations.ListForUser(ctx, userID)
}
