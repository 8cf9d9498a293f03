package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// BookingQueryService serves the read-only booking projections
type BookingQueryService struct {
	listings *database.ListingRepository
	bookings *database.BookingRepository
}

// NewBookingQueryService creates a new BookingQueryService
func NewBookingQueryService(listings *database.ListingRepository, bookings *database.BookingRepository) *BookingQueryService {
	return &BookingQueryService{listings: listings, bookings: bookings}
}

// Get returns a booking to its buyer or to the listing owner.
// Anyone else gets ErrNotFound.
func (s *BookingQueryService) Get(ctx context.Context, viewerID, bookingID uuid.UUID) (*models.BookingDetail, error) {
	detail, err := s.bookings.GetDetail(ctx, bookingID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, models.NewNotFoundError("BOOKING_NOT_FOUND", "Booking not found")
		}
		return nil, err
	}
	if detail.BuyerID != viewerID && detail.OwnerID != viewerID {
		return nil, models.NewNotFoundError("BOOKING_NOT_FOUND", "Booking not found")
	}
	return detail, nil
}

// ListForListing returns the listing's bookings. The owner sees all of them,
// any other caller only their own.
func (s *BookingQueryService) ListForListing(ctx context.Context, viewerID, listingID uuid.UUID, statuses []models.BookingStatus) ([]models.Booking, error) {
	listing, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
		}
		return nil, err
	}

	bookings, err := s.bookings.ListByListing(ctx, listingID, statuses)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID == viewerID {
		return bookings, nil
	}

	own := make([]models.Booking, 0, len(bookings))
	for _, b := range bookings {
		if b.BuyerID == viewerID {
			own = append(own, b)
		}
	}
	return own, nil
}

// ListForOwner returns bookings on all listings owned by ownerID
func (s *BookingQueryService) ListForOwner(ctx context.Context, ownerID uuid.UUID, statuses []models.BookingStatus) ([]models.BookingDetail, error) {
	return s.bookings.ListByOwner(ctx, ownerID, statuses)
}

// ListForBuyer returns the buyer's own bookings
func (s *BookingQueryService) ListForBuyer(ctx context.Context, buyerID uuid.UUID) ([]models.BookingDetail, error) {
	return s.bookings.ListByBuyer(ctx, buyerID)
}

// OwnerSummary counts the owner's bookings per status tab
func (s *BookingQueryService) OwnerSummary(ctx context.Context, ownerID uuid.UUID) (*models.OwnerBookingSummary, error) {
	counts, err := s.bookings.CountByStatusForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &models.OwnerBookingSummary{}
	for _, c := range counts {
		switch models.BookingStatus(c.Status) {
		case models.BookingStatusPending:
			summary.Pending = c.Count
		case models.BookingStatusConfirmed:
			summary.Confirmed = c.Count
		case models.BookingStatusCancelled:
			summary.Cancelled = c.Count
		}
		summary.Total += c.Count
	}
	return summary, nil
}
