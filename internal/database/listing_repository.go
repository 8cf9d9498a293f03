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

// ListingRepository handles database operations for the listings table
type ListingRepository struct {
	db *DB
}

// NewListingRepository creates a new ListingRepository
func NewListingRepository(db *DB) *ListingRepository {
	return &ListingRepository{db: db}
}

const listingColumns = `id, owner_id, title, price, availability_status, version, created_at, updated_at`

// Create inserts a listing reference
func (r *ListingRepository) Create(ctx context.Context, listing *models.Listing) error {
	query := r.db.Rebind(`
		INSERT INTO listings (id, owner_id, title, price, availability_status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`)

	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	if listing.AvailabilityStatus == "" {
		listing.AvailabilityStatus = models.ListingAvailable
	}

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		listing.ID, listing.OwnerID, listing.Title, listing.Price,
		listing.AvailabilityStatus, listing.CreatedAt, listing.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

// GetByID retrieves a listing by ID. Returns ErrNoRows if it does not exist.
func (r *ListingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	query := r.db.Rebind(`SELECT ` + listingColumns + ` FROM listings WHERE id = ?`)

	var listing models.Listing
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &listing, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &listing, nil
}

// LockForUpdate takes the listing's row lock for the rest of the transaction by
// bumping its version, and returns the locked row. Concurrent reservations on
// the same listing queue behind this statement on every supported engine.
func (r *ListingRepository) LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	query := r.db.Rebind(`UPDATE listings SET version = version + 1 WHERE id = ?`)

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock listing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNoRows
	}
	return r.GetByID(ctx, id)
}

// UpdateStatus sets the derived availability status
func (r *ListingRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AvailabilityStatus, now time.Time) error {
	query := r.db.Rebind(`UPDATE listings SET availability_status = ?, updated_at = ? WHERE id = ?`)

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNoRows
	}
	return nil
}

// CountByStatusForOwner groups the owner's listings by availability status
func (r *ListingRepository) CountByStatusForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.StatusCount, error) {
	query := r.db.Rebind(`
		SELECT availability_status AS status, COUNT(*) AS count
		FROM listings
		WHERE owner_id = ?
		GROUP BY availability_status
	`)

	counts := []models.StatusCount{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &counts, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to count listings: %w", err)
	}
	return counts, nil
}

// ListIDsByStatus returns the ids of listings currently in status
func (r *ListingRepository) ListIDsByStatus(ctx context.Context, status models.AvailabilityStatus) ([]uuid.UUID, error) {
	query := r.db.Rebind(`SELECT id FROM listings WHERE availability_status = ? ORDER BY id`)

	ids := []uuid.UUID{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &ids, query, status); err != nil {
		return nil, fmt.Errorf("failed to list listings by status: %w", err)
	}
	return ids, nil
}
