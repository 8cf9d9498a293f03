package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AvailabilityStatus represents the server-computed availability of a listing
type AvailabilityStatus string

const (
	ListingAvailable AvailabilityStatus = "Available"
	ListingPending   AvailabilityStatus = "Pending"   // At least one booking outstanding
	ListingSold      AvailabilityStatus = "Sold"      // A BUYING booking was confirmed
	ListingRented    AvailabilityStatus = "Rented"    // A confirmed rental has not ended yet
)

// IsValid checks the status against the known set
func (s AvailabilityStatus) IsValid() bool {
	switch s {
	case ListingAvailable, ListingPending, ListingSold, ListingRented:
		return true
	}
	return false
}

// RentalPolicy controls how a Rented listing treats new rental requests
type RentalPolicy string

const (
	// RentalPolicyInterval only blocks overlapping intervals; back-to-back rentals are admitted
	RentalPolicyInterval RentalPolicy = "interval"
	// RentalPolicyExclusive blocks every new booking while the listing is Rented
	RentalPolicyExclusive RentalPolicy = "exclusive"
)

// ParseRentalPolicy parses a policy name, case-insensitive
func ParseRentalPolicy(s string) (RentalPolicy, bool) {
	switch RentalPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case RentalPolicyInterval:
		return RentalPolicyInterval, true
	case RentalPolicyExclusive:
		return RentalPolicyExclusive, true
	}
	return "", false
}

// Listing is the availability-relevant projection of a marketplace listing
type Listing struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	OwnerID            uuid.UUID          `json:"owner_id" db:"owner_id"`
	Title              string             `json:"title" db:"title"`
	Price              float64            `json:"price" db:"price"`
	AvailabilityStatus AvailabilityStatus `json:"availability_status" db:"availability_status"`
	Version            int64              `json:"-" db:"version"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// RegisterListingRequest registers a listing reference owned by the caller
type RegisterListingRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title" binding:"required,max=200"`
	Price float64 `json:"price" binding:"gte=0"`
}

// ListingAvailability is the read model returned by the availability endpoint
type ListingAvailability struct {
	ListingID          uuid.UUID          `json:"listing_id"`
	AvailabilityStatus AvailabilityStatus `json:"availability_status"`
	RentalPolicy       RentalPolicy       `json:"rental_policy"`
	ActiveClaims       []Claim            `json:"active_claims"`
}

// StatusCount is one row of a grouped count by status
type StatusCount struct {
	Status string `json:"status" db:"status"`
	Count  int    `json:"count" db:"count"`
}
