package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookingType distinguishes outright purchases from date-bound rentals
type BookingType string

const (
	BookingTypeBuying BookingType = "BUYING"
	BookingTypeRental BookingType = "RENTAL"
)

// ParseBookingType parses a booking type, case-insensitive
func ParseBookingType(s string) (BookingType, bool) {
	switch BookingType(strings.ToUpper(strings.TrimSpace(s))) {
	case BookingTypeBuying:
		return BookingTypeBuying, true
	case BookingTypeRental:
		return BookingTypeRental, true
	}
	return "", false
}

// BookingStatus represents the lifecycle state of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "Pending"
	BookingStatusConfirmed BookingStatus = "Confirmed"
	BookingStatusCancelled BookingStatus = "Cancelled" // terminal
)

// ParseBookingStatus parses a status name, case-insensitive
func ParseBookingStatus(s string) (BookingStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return BookingStatusPending, true
	case "confirmed":
		return BookingStatusConfirmed, true
	case "cancelled", "canceled":
		return BookingStatusCancelled, true
	}
	return "", false
}

// IsActive reports whether bookings in this status hold a claim on the listing
func (s BookingStatus) IsActive() bool {
	return s == BookingStatusPending || s == BookingStatusConfirmed
}

// ActorRole is the capacity in which a user asks for a status change
type ActorRole string

const (
	ActorSeller ActorRole = "seller"
	ActorBuyer  ActorRole = "buyer"
	ActorSystem ActorRole = "system" // internal jobs only, never accepted from clients
)

// ParseClientActorRole parses a role supplied by an API caller
func ParseClientActorRole(s string) (ActorRole, bool) {
	switch ActorRole(strings.ToLower(strings.TrimSpace(s))) {
	case ActorSeller:
		return ActorSeller, true
	case ActorBuyer:
		return ActorBuyer, true
	}
	return "", false
}

// Booking represents a buyer's request to purchase or rent a listing
type Booking struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	ListingID          uuid.UUID     `json:"listing_id" db:"listing_id"`
	BuyerID            uuid.UUID     `json:"buyer_id" db:"buyer_id"`
	BookingType        BookingType   `json:"booking_type" db:"booking_type"`
	StartDate          *Date         `json:"start_date,omitempty" db:"start_date"`
	EndDate            *Date         `json:"end_date,omitempty" db:"end_date"`
	Status             BookingStatus `json:"status" db:"status"`
	ConfirmedAt        *time.Time    `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy        *ActorRole    `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason *string       `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// Period returns the rental interval, or nil for BUYING bookings
func (b *Booking) Period() *DateRange {
	if b.StartDate == nil || b.EndDate == nil {
		return nil
	}
	return &DateRange{Start: *b.StartDate, End: *b.EndDate}
}

// Claim projects the booking onto the availability ledger
func (b *Booking) Claim() Claim {
	return Claim{
		BookingID:   b.ID,
		BuyerID:     b.BuyerID,
		BookingType: b.BookingType,
		Status:      b.Status,
		Period:      b.Period(),
	}
}

// BookingDetail is a booking joined with the listing fields owners and buyers display
type BookingDetail struct {
	Booking
	OwnerID      uuid.UUID `json:"owner_id" db:"owner_id"`
	ListingTitle string    `json:"listing_title" db:"listing_title"`
}

// Claim is an active (Pending or Confirmed) booking's hold on a listing.
// It is derived from bookings and never stored on its own.
type Claim struct {
	BookingID   uuid.UUID     `json:"booking_id"`
	BuyerID     uuid.UUID     `json:"buyer_id"`
	BookingType BookingType   `json:"booking_type"`
	Status      BookingStatus `json:"status"`
	Period      *DateRange    `json:"period,omitempty"`
}

// BookingInput is a validated createBooking payload
type BookingInput struct {
	ListingID   uuid.UUID
	BookingType BookingType
	Period      *DateRange
}

// CreateBookingRequest represents the request to create a booking
type CreateBookingRequest struct {
	ListingID   string  `json:"listing_id" binding:"required"`
	BookingType string  `json:"booking_type" binding:"required"`
	StartDate   *string `json:"start_date,omitempty"`
	EndDate     *string `json:"end_date,omitempty"`
}

// Parse validates the request and converts it into typed input
func (r *CreateBookingRequest) Parse() (BookingInput, error) {
	var in BookingInput

	listingID, err := uuid.Parse(strings.TrimSpace(r.ListingID))
	if err != nil {
		return in, NewValidationError("INVALID_LISTING_ID", "listing_id must be a valid UUID")
	}
	in.ListingID = listingID

	bookingType, ok := ParseBookingType(r.BookingType)
	if !ok {
		return in, NewValidationError("INVALID_BOOKING_TYPE", "booking_type must be BUYING or RENTAL")
	}
	in.BookingType = bookingType

	hasStart := r.StartDate != nil && strings.TrimSpace(*r.StartDate) != ""
	hasEnd := r.EndDate != nil && strings.TrimSpace(*r.EndDate) != ""

	if bookingType == BookingTypeBuying {
		if hasStart || hasEnd {
			return in, NewValidationError("UNEXPECTED_DATES", "start_date and end_date are only allowed for RENTAL bookings")
		}
		return in, nil
	}

	if !hasStart || !hasEnd {
		return in, NewValidationError("MISSING_DATES", "start_date and end_date are required for RENTAL bookings")
	}
	start, err := ParseDate(*r.StartDate)
	if err != nil {
		return in, NewValidationError("INVALID_START_DATE", err.Error())
	}
	end, err := ParseDate(*r.EndDate)
	if err != nil {
		return in, NewValidationError("INVALID_END_DATE", err.Error())
	}
	if !start.Before(end) {
		return in, NewValidationError("INVALID_DATE_RANGE", "start_date must be before end_date")
	}
	in.Period = &DateRange{Start: start, End: end}

	return in, nil
}

// UpdateBookingStatusRequest represents a status change requested by the seller or the buyer
type UpdateBookingStatusRequest struct {
	Status    string  `json:"status" binding:"required"`
	ActorRole string  `json:"actor_role" binding:"required"`
	Reason    *string `json:"reason,omitempty" binding:"omitempty,max=500"`
}

// Parse validates the enum fields of the request
func (r *UpdateBookingStatusRequest) Parse() (BookingStatus, ActorRole, error) {
	status, ok := ParseBookingStatus(r.Status)
	if !ok {
		return "", "", NewValidationError("INVALID_STATUS", "status must be one of Pending, Confirmed, Cancelled")
	}
	role, ok := ParseClientActorRole(r.ActorRole)
	if !ok {
		return "", "", NewValidationError("INVALID_ACTOR_ROLE", "actor_role must be seller or buyer")
	}
	return status, role, nil
}

// OwnerBookingSummary is the server-computed tab view for a seller
type OwnerBookingSummary struct {
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}
