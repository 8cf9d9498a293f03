// Package testutil builds sqlite-backed databases and fixtures for package tests.
package testutil

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/config"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// Epoch is the frozen "now" of every Env: 2025-06-01 10:00 UTC
var Epoch = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

// Env is a migrated in-memory database plus the repositories on top of it
type Env struct {
	DB            *database.DB
	Clock         *clock.Manual
	Logger        *logrus.Logger
	Listings      *database.ListingRepository
	Bookings      *database.BookingRepository
	Conversations *database.ConversationRepository
	Messages      *database.MessageRepository
}

// Logger returns a logger that discards everything
func Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// NewDB opens a private in-memory SQLite database and applies the migrations.
// It is closed when the test ends.
func NewDB(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.NewConnection(config.DatabaseConfig{
		Driver:            "sqlite",
		URL:               database.SQLiteMemoryURL(t.Name() + "_" + uuid.NewString()),
		RetryAttempts:     3,
		RetryInitialDelay: 5 * time.Millisecond,
	}, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// NewEnv creates a database with repositories and a manual clock at Epoch
func NewEnv(t testing.TB) *Env {
	t.Helper()

	db := NewDB(t)
	return &Env{
		DB:            db,
		Clock:         clock.NewManual(Epoch),
		Logger:        Logger(),
		Listings:      database.NewListingRepository(db),
		Bookings:      database.NewBookingRepository(db),
		Conversations: database.NewConversationRepository(db),
		Messages:      database.NewMessageRepository(db),
	}
}

// Today is the calendar date of the env clock
func (e *Env) Today() models.Date {
	return models.DateOf(e.Clock.Now())
}

// CreateListing inserts an Available listing owned by ownerID
func (e *Env) CreateListing(t testing.TB, ownerID uuid.UUID) *models.Listing {
	t.Helper()

	now := e.Clock.Now()
	listing := &models.Listing{
		OwnerID:   ownerID,
		Title:     "Listing " + uuid.NewString()[:8],
		Price:     1200,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.Listings.Create(context.Background(), listing))
	return listing
}

// InsertBooking writes a booking row directly, bypassing the reservation rules.
// Use it to arrange state; production code goes through the services.
func (e *Env) InsertBooking(t testing.TB, listingID, buyerID uuid.UUID, bookingType models.BookingType, period *models.DateRange, status models.BookingStatus) *models.Booking {
	t.Helper()

	now := e.Clock.Now()
	booking := &models.Booking{
		ListingID:   listingID,
		BuyerID:     buyerID,
		BookingType: bookingType,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if period != nil {
		start, end := period.Start, period.End
		booking.StartDate = &start
		booking.EndDate = &end
	}
	require.NoError(t, e.Bookings.Create(context.Background(), booking))
	return booking
}

// ListingStatus reads the stored availability status of a listing
func (e *Env) ListingStatus(t testing.TB, listingID uuid.UUID) models.AvailabilityStatus {
	t.Helper()

	listing, err := e.Listings.GetByID(context.Background(), listingID)
	require.NoError(t, err)
	return listing.AvailabilityStatus
}

// Range builds a rental interval of June 2025 days [start, end)
func Range(start, end int) *models.DateRange {
	return &models.DateRange{
		Start: models.NewDate(2025, time.June, start),
		End:   models.NewDate(2025, time.June, end),
	}
}
