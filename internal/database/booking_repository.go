package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/digimarket/reservation-core/internal/models"
)

// BookingRepository handles database operations for the bookings table
type BookingRepository struct {
	db *DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `b.id, b.listing_id, b.buyer_id, b.booking_type, b.start_date, b.end_date, b.status,
	b.confirmed_at, b.cancelled_at, b.cancelled_by, b.cancellation_reason, b.created_at, b.updated_at`

const bookingDetailColumns = bookingColumns + `, l.owner_id, l.title AS listing_title`

// Create inserts a new booking
func (r *BookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	query := r.db.Rebind(`
		INSERT INTO bookings (
			id, listing_id, buyer_id, booking_type, start_date, end_date,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		booking.ID, booking.ListingID, booking.BuyerID, booking.BookingType,
		booking.StartDate, booking.EndDate, booking.Status,
		booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking by ID. Returns ErrNoRows if it does not exist.
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	query := r.db.Rebind(`SELECT ` + bookingColumns + ` FROM bookings b WHERE b.id = ?`)

	var booking models.Booking
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &booking, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// GetDetail retrieves a booking joined with its listing's owner and title
func (r *BookingRepository) GetDetail(ctx context.Context, id uuid.UUID) (*models.BookingDetail, error) {
	query := r.db.Rebind(`
		SELECT ` + bookingDetailColumns + `
		FROM bookings b
		JOIN listings l ON l.id = b.listing_id
		WHERE b.id = ?
	`)

	var detail models.BookingDetail
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &detail, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &detail, nil
}

// ListActiveByListing returns the listing's Pending and Confirmed bookings in creation order
func (r *BookingRepository) ListActiveByListing(ctx context.Context, listingID uuid.UUID) ([]models.Booking, error) {
	return r.listByListing(ctx, listingID, []models.BookingStatus{
		models.BookingStatusPending,
		models.BookingStatusConfirmed,
	})
}

// ListByListing returns every booking of a listing, optionally filtered by status
func (r *BookingRepository) ListByListing(ctx context.Context, listingID uuid.UUID, statuses []models.BookingStatus) ([]models.Booking, error) {
	return r.listByListing(ctx, listingID, statuses)
}

func (r *BookingRepository) listByListing(ctx context.Context, listingID uuid.UUID, statuses []models.BookingStatus) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings b WHERE b.listing_id = ?`
	args := []interface{}{listingID}

	if len(statuses) > 0 {
		query += ` AND b.status IN (?)`
		args = append(args, statuses)
	}
	query += ` ORDER BY b.created_at ASC, b.id ASC`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build booking query: %w", err)
	}

	bookings := []models.Booking{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &bookings, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

// ListByOwner returns bookings on every listing the owner has, newest first
func (r *BookingRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, statuses []models.BookingStatus) ([]models.BookingDetail, error) {
	query := `
		SELECT ` + bookingDetailColumns + `
		FROM bookings b
		JOIN listings l ON l.id = b.listing_id
		WHERE l.owner_id = ?`
	args := []interface{}{ownerID}

	if len(statuses) > 0 {
		query += ` AND b.status IN (?)`
		args = append(args, statuses)
	}
	query += ` ORDER BY b.created_at DESC, b.id ASC`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build booking query: %w", err)
	}

	bookings := []models.BookingDetail{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &bookings, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list owner bookings: %w", err)
	}
	return bookings, nil
}

// ListByBuyer returns the buyer's bookings, newest first
func (r *BookingRepository) ListByBuyer(ctx context.Context, buyerID uuid.UUID) ([]models.BookingDetail, error) {
	query := r.db.Rebind(`
		SELECT ` + bookingDetailColumns + `
		FROM bookings b
		JOIN listings l ON l.id = b.listing_id
		WHERE b.buyer_id = ?
		ORDER BY b.created_at DESC, b.id ASC
	`)

	bookings := []models.BookingDetail{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &bookings, query, buyerID); err != nil {
		return nil, fmt.Errorf("failed to list buyer bookings: %w", err)
	}
	return bookings, nil
}

// CountByStatusForOwner groups the owner's bookings by status
func (r *BookingRepository) CountByStatusForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.StatusCount, error) {
	query := r.db.Rebind(`
		SELECT b.status AS status, COUNT(*) AS count
		FROM bookings b
		JOIN listings l ON l.id = b.listing_id
		WHERE l.owner_id = ?
		GROUP BY b.status
	`)

	counts := []models.StatusCount{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &counts, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to count bookings: %w", err)
	}
	return counts, nil
}

// StatusChange describes a compare-and-set status update
type StatusChange struct {
	From               models.BookingStatus
	To                 models.BookingStatus
	At                 time.Time
	CancelledBy        *models.ActorRole
	CancellationReason *string
}

// CompareAndSetStatus moves a booking from change.From to change.To only if it
// is still in change.From. Returns false when another writer got there first.
func (r *BookingRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, change StatusChange) (bool, error) {
	var confirmedAt, cancelledAt *time.Time
	switch change.To {
	case models.BookingStatusConfirmed:
		confirmedAt = &change.At
	case models.BookingStatusCancelled:
		cancelledAt = &change.At
	}

	query := r.db.Rebind(`
		UPDATE bookings
		SET status = ?,
			updated_at = ?,
			confirmed_at = COALESCE(?, confirmed_at),
			cancelled_at = COALESCE(?, cancelled_at),
			cancelled_by = COALESCE(?, cancelled_by),
			cancellation_reason = COALESCE(?, cancellation_reason)
		WHERE id = ? AND status = ?
	`)

	result, err := r.db.Querier(ctx).ExecContext(ctx, query,
		change.To, change.At, confirmedAt, cancelledAt,
		change.CancelledBy, change.CancellationReason,
		id, change.From,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ListStalePending returns Pending bookings created before cutoff, oldest first
func (r *BookingRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	query := r.db.Rebind(`
		SELECT ` + bookingColumns + `
		FROM bookings b
		WHERE b.status = ? AND b.created_at < ?
		ORDER BY b.created_at ASC
		LIMIT ?
	`)

	bookings := []models.Booking{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &bookings, query, models.BookingStatusPending, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale bookings: %w", err)
	}
	return bookings, nil
}
