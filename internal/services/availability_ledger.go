package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// AvailabilityLedger answers "who holds this listing, and would a new request
// collide with them". Claims are derived from Pending and Confirmed bookings;
// a rental claim whose end date has passed no longer holds anything.
type AvailabilityLedger struct {
	bookings *database.BookingRepository
	policy   models.RentalPolicy
}

// NewAvailabilityLedger creates a ledger over the bookings table
func NewAvailabilityLedger(bookings *database.BookingRepository, policy models.RentalPolicy) *AvailabilityLedger {
	if _, ok := models.ParseRentalPolicy(string(policy)); !ok {
		policy = models.RentalPolicyInterval
	}
	return &AvailabilityLedger{bookings: bookings, policy: policy}
}

// Policy returns the configured rental policy
func (l *AvailabilityLedger) Policy() models.RentalPolicy {
	return l.policy
}

// Query returns the listing's active claims as of today.
// Inside a transaction that holds the listing lock the answer is stable.
func (l *AvailabilityLedger) Query(ctx context.Context, listingID uuid.UUID, today models.Date) ([]models.Claim, error) {
	bookings, err := l.bookings.ListActiveByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return ActiveClaims(bookings, today), nil
}

// Conflicts reports whether candidate collides with any active claim
func (l *AvailabilityLedger) Conflicts(ctx context.Context, listingID uuid.UUID, candidate models.Claim, today models.Date) (bool, error) {
	blocking, err := l.Conflicting(ctx, listingID, candidate, today)
	if err != nil {
		return false, err
	}
	return len(blocking) > 0, nil
}

// Conflicting returns the active claims that candidate collides with
func (l *AvailabilityLedger) Conflicting(ctx context.Context, listingID uuid.UUID, candidate models.Claim, today models.Date) ([]models.Claim, error) {
	claims, err := l.Query(ctx, listingID, today)
	if err != nil {
		return nil, err
	}
	return ConflictingClaims(claims, candidate), nil
}

// ActiveClaims projects bookings onto the claims that still hold the listing today
func ActiveClaims(bookings []models.Booking, today models.Date) []models.Claim {
	claims := make([]models.Claim, 0, len(bookings))
	for i := range bookings {
		claim := bookings[i].Claim()
		if claimHolds(claim, today) {
			claims = append(claims, claim)
		}
	}
	return claims
}

func claimHolds(c models.Claim, today models.Date) bool {
	if !c.Status.IsActive() {
		return false
	}
	if c.BookingType == models.BookingTypeRental && c.Period != nil {
		return c.Period.End.After(today)
	}
	return true
}

// ClaimsConflict applies the reservation rules to a pair of claims:
// a BUYING claim collides with everything, two rentals collide when their
// half-open intervals overlap.
func ClaimsConflict(a, b models.Claim) bool {
	if a.BookingType == models.BookingTypeBuying || b.BookingType == models.BookingTypeBuying {
		return true
	}
	if a.Period == nil || b.Period == nil {
		return true
	}
	return a.Period.Overlaps(*b.Period)
}

// ConflictingClaims filters claims down to those that collide with candidate
func ConflictingClaims(claims []models.Claim, candidate models.Claim) []models.Claim {
	var blocking []models.Claim
	for _, c := range claims {
		if c.BookingID == candidate.BookingID {
			continue
		}
		if ClaimsConflict(c, candidate) {
			blocking = append(blocking, c)
		}
	}
	return blocking
}

// DeriveStatus computes the listing status from its claims.
// Sold beats Rented beats Pending beats Available.
func DeriveStatus(claims []models.Claim, today models.Date) models.AvailabilityStatus {
	var rented, pending bool
	for _, c := range claims {
		if !claimHolds(c, today) {
			continue
		}
		switch {
		case c.Status == models.BookingStatusConfirmed && c.BookingType == models.BookingTypeBuying:
			return models.ListingSold
		case c.Status == models.BookingStatusConfirmed && c.BookingType == models.BookingTypeRental:
			rented = true
		case c.Status == models.BookingStatusPending:
			pending = true
		}
	}
	switch {
	case rented:
		return models.ListingRented
	case pending:
		return models.ListingPending
	}
	return models.ListingAvailable
}
