package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// ListingService registers listing references and serves their availability
type ListingService struct {
	listings *database.ListingRepository
	ledger   *AvailabilityLedger
	clock    clock.Clock
	logger   *logrus.Logger
}

// NewListingService creates a new ListingService
func NewListingService(listings *database.ListingRepository, ledger *AvailabilityLedger, clk clock.Clock, logger *logrus.Logger) *ListingService {
	return &ListingService{
		listings: listings,
		ledger:   ledger,
		clock:    clk,
		logger:   logger,
	}
}

// Register creates an Available listing owned by ownerID
func (s *ListingService) Register(ctx context.Context, ownerID uuid.UUID, req *models.RegisterListingRequest) (*models.Listing, error) {
	listing := &models.Listing{
		OwnerID:            ownerID,
		Title:              strings.TrimSpace(req.Title),
		Price:              req.Price,
		AvailabilityStatus: models.ListingAvailable,
	}
	if listing.Title == "" {
		return nil, models.NewValidationError("MISSING_TITLE", "title is required")
	}
	if req.Price < 0 {
		return nil, models.NewValidationError("INVALID_PRICE", "price cannot be negative")
	}
	if req.ID != nil && strings.TrimSpace(*req.ID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(*req.ID))
		if err != nil {
			return nil, models.NewValidationError("INVALID_LISTING_ID", "id must be a valid UUID")
		}
		listing.ID = id
	}

	now := s.clock.Now()
	listing.CreatedAt = now
	listing.UpdatedAt = now

	if err := s.listings.Create(ctx, listing); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, models.NewConflictError("LISTING_EXISTS", "A listing with this id already exists")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"listing_id": listing.ID,
		"owner_id":   ownerID,
	}).Info("Listing registered")

	return listing, nil
}

// Availability returns the listing's derived status and active claims as of today
func (s *ListingService) Availability(ctx context.Context, listingID uuid.UUID) (*models.ListingAvailability, error) {
	if _, err := s.listings.GetByID(ctx, listingID); err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, models.NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
		}
		return nil, err
	}

	today := models.DateOf(s.clock.Now())
	claims, err := s.ledger.Query(ctx, listingID, today)
	if err != nil {
		return nil, err
	}

	return &models.ListingAvailability{
		ListingID:          listingID,
		AvailabilityStatus: DeriveStatus(claims, today),
		RentalPolicy:       s.ledger.Policy(),
		ActiveClaims:       claims,
	}, nil
}

// OwnerListingSummary counts the owner's listings per availability status.
// Every status is present in the result, with zero when the owner has none.
func (s *ListingService) OwnerListingSummary(ctx context.Context, ownerID uuid.UUID) (map[models.AvailabilityStatus]int, error) {
	counts, err := s.listings.CountByStatusForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := map[models.AvailabilityStatus]int{
		models.ListingAvailable: 0,
		models.ListingPending:   0,
		models.ListingSold:      0,
		models.ListingRented:    0,
	}
	for _, c := range counts {
		summary[models.AvailabilityStatus(c.Status)] = c.Count
	}
	return summary, nil
}
