package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/digimarket/reservation-core/internal/models"
)

func assertDomainCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "expected %v, got %v", kind, err)
	var de *models.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, code, de.Code)
}

func TestCreateBooking_JuneScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, u1, u2 := uuid.New(), uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, owner)

	first, err := h.reservations.CreateBooking(ctx, u1, rentalInput(listing.ID, 1, 10), models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, first.Status)
	assert.Equal(t, models.ListingPending, h.env.ListingStatus(t, listing.ID))

	confirmed, err := h.lifecycle.UpdateStatus(ctx, first.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, confirmed.Status)
	assert.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, models.ListingRented, h.env.ListingStatus(t, listing.ID))

	_, err = h.reservations.CreateBooking(ctx, u2, rentalInput(listing.ID, 5, 8), models.RequestMeta{})
	assertDomainCode(t, err, models.ErrConflict, "BOOKING_CONFLICT")

	var de *models.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []string{first.ID.String()}, de.Details["conflicting_bookings"])

	second, err := h.reservations.CreateBooking(ctx, u2, rentalInput(listing.ID, 11, 15), models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, second.Status)
	// the confirmed rental has not ended, so the listing stays Rented
	assert.Equal(t, models.ListingRented, h.env.ListingStatus(t, listing.ID))

	active, err := h.env.Bookings.ListActiveByListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCreateBooking_ConcurrentBuyingAdmitsExactlyOne(t *testing.T) {
	h := newHarness(t)
	listing := h.env.CreateListing(t, uuid.New())

	const buyers = 8
	var admitted, conflicts int32

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < buyers; i++ {
		g.Go(func() error {
			_, err := h.reservations.CreateBooking(ctx, uuid.New(), buyingInput(listing.ID), models.RequestMeta{})
			switch {
			case err == nil:
				atomic.AddInt32(&admitted, 1)
			case errors.Is(err, models.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, int32(buyers-1), conflicts)

	active, err := h.env.Bookings.ListActiveByListing(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateBooking_RandomIntervalsNeverOverlap(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(20250601))

	randomRange := func() (int, int) {
		start := 2 + rng.Intn(20)
		return start, start + 1 + rng.Intn(8)
	}

	for round := 0; round < 30; round++ {
		listing := h.env.CreateListing(t, uuid.New())
		s1, e1 := randomRange()
		s2, e2 := randomRange()
		overlap := s1 < e2 && s2 < e1

		var admitted int32
		g, ctx := errgroup.WithContext(context.Background())
		for _, r := range [][2]int{{s1, e1}, {s2, e2}} {
			r := r
			g.Go(func() error {
				_, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, r[0], r[1]), models.RequestMeta{})
				if err == nil {
					atomic.AddInt32(&admitted, 1)
					return nil
				}
				if errors.Is(err, models.ErrConflict) {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		if overlap {
			assert.Equal(t, int32(1), admitted, "round %d: [%d,%d) vs [%d,%d)", round, s1, e1, s2, e2)
		} else {
			assert.Equal(t, int32(2), admitted, "round %d: [%d,%d) vs [%d,%d)", round, s1, e1, s2, e2)
		}

		active, err := h.env.Bookings.ListActiveByListing(context.Background(), listing.ID)
		require.NoError(t, err)
		for i := range active {
			for j := i + 1; j < len(active); j++ {
				assert.False(t, active[i].Period().Overlaps(*active[j].Period()),
					"round %d: active bookings overlap", round)
			}
		}
	}
}

func TestCreateBooking_DuplicateRequestConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyerID := uuid.New()
	listing := h.env.CreateListing(t, uuid.New())

	_, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 3, 6), models.RequestMeta{})
	require.NoError(t, err)

	_, err = h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 3, 6), models.RequestMeta{})
	assertDomainCode(t, err, models.ErrConflict, "BOOKING_CONFLICT")

	all, err := h.env.Bookings.ListByListing(ctx, listing.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateBooking_CancelledRentalFreesInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 5, 9), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)

	_, err = h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 5, 9), models.RequestMeta{})
	assertDomainCode(t, err, models.ErrConflict, "BOOKING_CONFLICT")

	cancelled, err := h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusCancelled, seller(owner), strPtr("Item damaged"), models.RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, models.ActorSeller, *cancelled.CancelledBy)
	assert.Equal(t, models.ListingAvailable, h.env.ListingStatus(t, listing.ID))

	rebooked, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 5, 9), models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusPending, rebooked.Status)
	assert.Equal(t, models.ListingPending, h.env.ListingStatus(t, listing.ID))
}

func TestCreateBooking_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	listing := h.env.CreateListing(t, owner)

	sold := h.env.CreateListing(t, owner)
	h.env.InsertBooking(t, sold.ID, uuid.New(), models.BookingTypeBuying, nil, models.BookingStatusConfirmed)

	tests := []struct {
		name  string
		buyer uuid.UUID
		input models.BookingInput
		kind  error
		code  string
	}{
		{"own listing", owner, buyingInput(listing.ID), models.ErrValidation, "OWN_LISTING"},
		{"unknown listing", uuid.New(), buyingInput(uuid.New()), models.ErrNotFound, "LISTING_NOT_FOUND"},
		{"sold listing", uuid.New(), rentalInput(sold.ID, 20, 22), models.ErrConflict, "LISTING_SOLD"},
		{
			"start in the past", uuid.New(),
			models.BookingInput{ListingID: listing.ID, BookingType: models.BookingTypeRental, Period: &models.DateRange{
				Start: models.DateOf(h.env.Clock.Now()).AddDays(-1),
				End:   models.DateOf(h.env.Clock.Now()).AddDays(3),
			}},
			models.ErrValidation, "START_DATE_IN_PAST",
		},
		{"empty range", uuid.New(), rentalInput(listing.ID, 7, 7), models.ErrValidation, "INVALID_DATE_RANGE"},
		{"rental without dates", uuid.New(), models.BookingInput{ListingID: listing.ID, BookingType: models.BookingTypeRental}, models.ErrValidation, "MISSING_DATES"},
		{
			"buying with dates", uuid.New(),
			models.BookingInput{ListingID: listing.ID, BookingType: models.BookingTypeBuying, Period: rentalInput(listing.ID, 3, 4).Period},
			models.ErrValidation, "UNEXPECTED_DATES",
		},
		{"unknown type", uuid.New(), models.BookingInput{ListingID: listing.ID, BookingType: "LEASE"}, models.ErrValidation, "INVALID_BOOKING_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.reservations.CreateBooking(ctx, tt.buyer, tt.input, models.RequestMeta{})
			assertDomainCode(t, err, tt.kind, tt.code)
		})
	}

	// nothing was admitted on the open listing
	assert.Equal(t, models.ListingAvailable, h.env.ListingStatus(t, listing.ID))
}

func TestCreateBooking_BuyingBlockedByPendingRental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	listing := h.env.CreateListing(t, uuid.New())

	_, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 20, 25), models.RequestMeta{})
	require.NoError(t, err)

	_, err = h.reservations.CreateBooking(ctx, uuid.New(), buyingInput(listing.ID), models.RequestMeta{})
	assertDomainCode(t, err, models.ErrConflict, "BOOKING_CONFLICT")
}

func TestCreateBooking_ExclusivePolicyBlocksRentedListing(t *testing.T) {
	h := newHarness(t, withPolicy(models.RentalPolicyExclusive))
	ctx := context.Background()
	owner := uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 1, 10), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)

	// back-to-back is fine under the interval policy but not here
	_, err = h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 11, 15), models.RequestMeta{})
	assertDomainCode(t, err, models.ErrConflict, "LISTING_RENTED")
}

func TestCreateBooking_WritesAuditAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, buyerID := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 3, 6), models.RequestMeta{
		IPAddress: "203.0.113.7",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	})
	require.NoError(t, err)

	logs, err := h.audit.ListForEntity(ctx, "booking", booking.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "booking_created", logs[0].Action)
	assert.Equal(t, uuid.NullUUID{UUID: buyerID, Valid: true}, logs[0].UserID)
	require.NotNil(t, logs[0].IPAddress)
	assert.Equal(t, "203.0.113.7", *logs[0].IPAddress)
	assert.Contains(t, logs[0].Details, `"device_info"`)

	events := h.publisher.ofType(EventBookingUpdated)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []uuid.UUID{buyerID, owner}, events[0].UserIDs)
}

// lockWatcher records whether the listing and booking locks could be taken
// while a notifier ran
type lockWatcher struct {
	locks *KeyedMutex
	mu    sync.Mutex
	free  []bool
}

func (w *lockWatcher) BookingChanged(_ context.Context, event BookingEvent) {
	acquired := make(chan struct{})
	go func() {
		unlockListing := w.locks.Lock(listingLockKey(event.Booking.ListingID.String()))
		unlockBooking := w.locks.Lock(bookingLockKey(event.Booking.ID.String()))
		unlockBooking()
		unlockListing()
		close(acquired)
	}()

	free := false
	select {
	case <-acquired:
		free = true
	case <-time.After(time.Second):
	}

	w.mu.Lock()
	w.free = append(w.free, free)
	w.mu.Unlock()
}

func TestNotifiersRunAfterLocksAreReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	watcher := &lockWatcher{locks: h.locks}
	h.reservations.SetNotifier(watcher)
	h.lifecycle.SetNotifier(watcher)

	owner, buyerID := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 1, 3), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	assert.Equal(t, []bool{true, true}, watcher.free)
}
