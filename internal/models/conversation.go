package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation is the single message thread between two users about an
// optional listing. Exactly one row exists per canonical thread key.
type Conversation struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	ThreadKey     string        `json:"thread_key" db:"thread_key"`
	UserLo        uuid.UUID     `json:"user_lo" db:"user_lo"`
	UserHi        uuid.UUID     `json:"user_hi" db:"user_hi"`
	ListingID     uuid.NullUUID `json:"listing_id" db:"listing_id"`
	BookingID     uuid.NullUUID `json:"booking_id" db:"booking_id"`
	LastSeq       int64         `json:"last_seq" db:"last_seq"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// HasParticipant reports whether userID is one of the two parties
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.UserLo == userID || c.UserHi == userID
}

// Counterpart returns the other party of the thread
func (c *Conversation) Counterpart(userID uuid.UUID) uuid.UUID {
	if c.UserLo == userID {
		return c.UserHi
	}
	return c.UserLo
}

// OrderedPair returns the two users in canonical (string) order
func OrderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(a.String(), b.String()) <= 0 {
		return a, b
	}
	return b, a
}

// ThreadKey builds the canonical key min(a,b):max(a,b):listing, with "-" for no listing.
// Swapping a and b yields the same key.
func ThreadKey(a, b uuid.UUID, listingID uuid.NullUUID) string {
	lo, hi := OrderedPair(a, b)
	listing := "-"
	if listingID.Valid {
		listing = listingID.UUID.String()
	}
	return fmt.Sprintf("%s:%s:%s", lo, hi, listing)
}

// ThreadSummary is one inbox row
type ThreadSummary struct {
	Conversation
	CounterpartID uuid.UUID `json:"counterpart_id" db:"-"`
	UnreadCount   int       `json:"unread_count" db:"unread_count"`
}

// ResolveThreadRequest asks for the thread with a counterpart in a listing/booking context
type ResolveThreadRequest struct {
	CounterpartID string  `json:"counterpart_id" binding:"required"`
	ListingID     *string `json:"listing_id,omitempty"`
	BookingID     *string `json:"booking_id,omitempty"`
}

// ThreadContext is the validated form of a thread lookup
type ThreadContext struct {
	CounterpartID uuid.UUID
	ListingID     uuid.NullUUID
	BookingID     uuid.NullUUID
}

// Parse validates the identifiers in the request
func (r *ResolveThreadRequest) Parse() (ThreadContext, error) {
	return parseThreadContext(r.CounterpartID, r.ListingID, r.BookingID)
}

// MarkReadRequest marks messages read up to an optional message
type MarkReadRequest struct {
	UpToMessageID *string `json:"up_to_message_id,omitempty"`
}

// MarkReadResult reports the watermark that was applied
type MarkReadResult struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UpToSeq        int64     `json:"up_to_seq"`
	MarkedCount    int64     `json:"marked_count"`
}

func parseThreadContext(counterpart string, listing, booking *string) (ThreadContext, error) {
	var tc ThreadContext

	id, err := uuid.Parse(strings.TrimSpace(counterpart))
	if err != nil {
		return tc, NewValidationError("INVALID_COUNTERPART", "counterpart must be a valid UUID")
	}
	tc.CounterpartID = id

	if tc.ListingID, err = parseOptionalUUID(listing); err != nil {
		return tc, NewValidationError("INVALID_LISTING_ID", "listing must be a valid UUID")
	}
	if tc.BookingID, err = parseOptionalUUID(booking); err != nil {
		return tc, NewValidationError("INVALID_BOOKING_ID", "booking must be a valid UUID")
	}
	return tc, nil
}

func parseOptionalUUID(s *string) (uuid.NullUUID, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*s))
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}
