package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/digimarket/reservation-core/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.BookingStatus
		want     bool
	}{
		{models.BookingStatusPending, models.BookingStatusConfirmed, true},
		{models.BookingStatusPending, models.BookingStatusCancelled, true},
		{models.BookingStatusConfirmed, models.BookingStatusCancelled, true},
		{models.BookingStatusConfirmed, models.BookingStatusPending, false},
		{models.BookingStatusCancelled, models.BookingStatusPending, false},
		{models.BookingStatusCancelled, models.BookingStatusConfirmed, false},
		{models.BookingStatusPending, models.BookingStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestUpdateStatus_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, buyerID, stranger := uuid.New(), uuid.New(), uuid.New()

	tests := []struct {
		name    string
		initial models.BookingStatus
		to      models.BookingStatus
		actor   Actor
		code    string // empty means allowed
	}{
		{"seller confirms pending", models.BookingStatusPending, models.BookingStatusConfirmed, seller(owner), ""},
		{"seller cancels pending", models.BookingStatusPending, models.BookingStatusCancelled, seller(owner), ""},
		{"seller cancels confirmed", models.BookingStatusConfirmed, models.BookingStatusCancelled, seller(owner), ""},
		{"buyer cancels own pending", models.BookingStatusPending, models.BookingStatusCancelled, buyer(buyerID), ""},
		{"buyer cannot confirm", models.BookingStatusPending, models.BookingStatusConfirmed, buyer(buyerID), "ACTOR_NOT_PERMITTED"},
		{"buyer cannot cancel confirmed", models.BookingStatusConfirmed, models.BookingStatusCancelled, buyer(buyerID), "ACTOR_NOT_PERMITTED"},
		{"stranger posing as seller", models.BookingStatusPending, models.BookingStatusConfirmed, seller(stranger), "NOT_LISTING_OWNER"},
		{"stranger posing as buyer", models.BookingStatusPending, models.BookingStatusCancelled, buyer(stranger), "NOT_BOOKING_BUYER"},
		{"system cannot confirm", models.BookingStatusPending, models.BookingStatusConfirmed, SystemActor(), "ACTOR_NOT_PERMITTED"},
		{"unknown role", models.BookingStatusPending, models.BookingStatusCancelled, Actor{UserID: owner, Role: "admin"}, "INVALID_ACTOR_ROLE"},
		{"confirmed back to pending", models.BookingStatusConfirmed, models.BookingStatusPending, seller(owner), "INVALID_TRANSITION"},
		{"cancelled is terminal", models.BookingStatusCancelled, models.BookingStatusConfirmed, seller(owner), "INVALID_TRANSITION"},
		{"confirm twice", models.BookingStatusConfirmed, models.BookingStatusConfirmed, seller(owner), "INVALID_TRANSITION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing := h.env.CreateListing(t, owner)
			booking := h.env.InsertBooking(t, listing.ID, buyerID, models.BookingTypeBuying, nil, tt.initial)

			updated, err := h.lifecycle.UpdateStatus(ctx, booking.ID, tt.to, tt.actor, nil, models.RequestMeta{})
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.to, updated.Status)
				return
			}

			assertDomainCode(t, err, models.ErrInvalidTransition, tt.code)

			// a rejected transition writes nothing
			stored, err := h.env.Bookings.GetByID(ctx, booking.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.initial, stored.Status)
			logs, err := h.audit.ListForEntity(ctx, "booking", booking.ID)
			require.NoError(t, err)
			assert.Empty(t, logs)
		})
	}
}

func TestUpdateStatus_UnknownBooking(t *testing.T) {
	h := newHarness(t)

	_, err := h.lifecycle.UpdateStatus(context.Background(), uuid.New(), models.BookingStatusConfirmed, seller(uuid.New()), nil, models.RequestMeta{})
	assertDomainCode(t, err, models.ErrNotFound, "BOOKING_NOT_FOUND")
}

func TestUpdateStatus_ListingFollowsBookings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()

	t.Run("confirmed purchase sells the listing", func(t *testing.T) {
		listing := h.env.CreateListing(t, owner)
		booking, err := h.reservations.CreateBooking(ctx, uuid.New(), buyingInput(listing.ID), models.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.ListingPending, h.env.ListingStatus(t, listing.ID))

		_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.ListingSold, h.env.ListingStatus(t, listing.ID))

		_, err = h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 20, 21), models.RequestMeta{})
		assertDomainCode(t, err, models.ErrConflict, "LISTING_SOLD")
	})

	t.Run("cancelling the last pending booking frees the listing", func(t *testing.T) {
		listing := h.env.CreateListing(t, owner)
		buyerID := uuid.New()
		booking, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 4, 8), models.RequestMeta{})
		require.NoError(t, err)

		_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusCancelled, buyer(buyerID), strPtr("Plans changed"), models.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.ListingAvailable, h.env.ListingStatus(t, listing.ID))
	})

	t.Run("cancelling one of two pending keeps the listing pending", func(t *testing.T) {
		listing := h.env.CreateListing(t, owner)
		first, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 4, 8), models.RequestMeta{})
		require.NoError(t, err)
		_, err = h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 8, 12), models.RequestMeta{})
		require.NoError(t, err)

		_, err = h.lifecycle.UpdateStatus(ctx, first.ID, models.BookingStatusCancelled, seller(owner), nil, models.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.ListingPending, h.env.ListingStatus(t, listing.ID))
	})
}

func TestUpdateStatus_WritesAuditEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, uuid.New(), buyingInput(listing.ID), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusCancelled, seller(owner), strPtr("Sold elsewhere"), models.RequestMeta{IPAddress: "198.51.100.2"})
	require.NoError(t, err)

	logs, err := h.audit.ListForEntity(ctx, "booking", booking.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{"booking_created", "booking_cancelled"}, actions)
	for _, l := range logs {
		if l.Action == "booking_cancelled" {
			assert.Equal(t, uuid.NullUUID{UUID: owner, Valid: true}, l.UserID)
			assert.Contains(t, l.Details, "Sold elsewhere")
		}
	}
}

func TestUpdateStatus_ConcurrentConfirmAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, buyerID := uuid.New(), uuid.New()

	for round := 0; round < 10; round++ {
		listing := h.env.CreateListing(t, owner)
		booking, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 10, 12), models.RequestMeta{})
		require.NoError(t, err)

		var succeeded int32
		g, gctx := errgroup.WithContext(ctx)
		attempts := []struct {
			to    models.BookingStatus
			actor Actor
		}{
			{models.BookingStatusConfirmed, seller(owner)},
			{models.BookingStatusCancelled, buyer(buyerID)},
		}
		for _, a := range attempts {
			a := a
			g.Go(func() error {
				_, err := h.lifecycle.UpdateStatus(gctx, booking.ID, a.to, a.actor, nil, models.RequestMeta{})
				if err == nil {
					atomic.AddInt32(&succeeded, 1)
					return nil
				}
				if errors.Is(err, models.ErrInvalidTransition) {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), succeeded, "round %d", round)

		stored, err := h.env.Bookings.GetByID(ctx, booking.ID)
		require.NoError(t, err)
		want := models.ListingRented
		if stored.Status == models.BookingStatusCancelled {
			want = models.ListingAvailable
		}
		assert.Equal(t, want, h.env.ListingStatus(t, listing.ID), "round %d", round)
	}
}

func TestExpireStalePending(t *testing.T) {
	h := newHarness(t, withPendingTTL(48*time.Hour))
	ctx := context.Background()
	owner := uuid.New()

	staleListing := h.env.CreateListing(t, owner)
	stale, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(staleListing.ID, 10, 14), models.RequestMeta{})
	require.NoError(t, err)

	confirmedListing := h.env.CreateListing(t, owner)
	confirmed, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(confirmedListing.ID, 10, 14), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, confirmed.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)

	h.env.Clock.Advance(49 * time.Hour)

	freshListing := h.env.CreateListing(t, owner)
	fresh, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(freshListing.ID, 10, 14), models.RequestMeta{})
	require.NoError(t, err)

	expired, err := h.lifecycle.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := h.env.Bookings.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, got.Status)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, models.ActorSystem, *got.CancelledBy)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, "Pending booking expired", *got.CancellationReason)
	assert.Equal(t, models.ListingAvailable, h.env.ListingStatus(t, staleListing.ID))

	for _, id := range []uuid.UUID{confirmed.ID, fresh.ID} {
		b, err := h.env.Bookings.GetByID(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, models.BookingStatusCancelled, b.Status)
	}

	// a second run finds nothing
	expired, err = h.lifecycle.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestExpireStalePending_DisabledWithoutTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	listing := h.env.CreateListing(t, uuid.New())
	_, err := h.reservations.CreateBooking(ctx, uuid.New(), buyingInput(listing.ID), models.RequestMeta{})
	require.NoError(t, err)

	h.env.Clock.Advance(365 * 24 * time.Hour)

	expired, err := h.lifecycle.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestRefreshListingStatuses_EndedRentalFreesListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, uuid.New(), rentalInput(listing.ID, 1, 10), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)
	require.Equal(t, models.ListingRented, h.env.ListingStatus(t, listing.ID))

	// nothing to do while the rental runs
	changed, err := h.lifecycle.RefreshListingStatuses(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	// the end date is exclusive: on June 10 the rental is over
	h.env.Clock.Set(time.Date(2025, time.June, 10, 0, 30, 0, 0, time.UTC))

	changed, err = h.lifecycle.RefreshListingStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, models.ListingAvailable, h.env.ListingStatus(t, listing.ID))

	logs, err := h.audit.ListForEntity(ctx, "listing", listing.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "listing_status_refreshed", logs[0].Action)
	assert.False(t, logs[0].UserID.Valid)
}

func TestUpdateStatus_AppendsStatusMessages(t *testing.T) {
	h := newHarness(t, withStatusMessages())
	ctx := context.Background()
	owner, buyerID := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, owner)

	booking, err := h.reservations.CreateBooking(ctx, buyerID, rentalInput(listing.ID, 3, 6), models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusConfirmed, seller(owner), nil, models.RequestMeta{})
	require.NoError(t, err)
	_, err = h.lifecycle.UpdateStatus(ctx, booking.ID, models.BookingStatusCancelled, seller(owner), strPtr("Double booked"), models.RequestMeta{})
	require.NoError(t, err)

	thread, err := h.messages.ListByContext(ctx, buyerID, models.ThreadContext{
		CounterpartID: owner,
		BookingID:     uuid.NullUUID{UUID: booking.ID, Valid: true},
	})
	require.NoError(t, err)
	require.NotNil(t, thread.Conversation)
	assert.Equal(t, uuid.NullUUID{UUID: listing.ID, Valid: true}, thread.Conversation.ListingID)
	assert.Equal(t, uuid.NullUUID{UUID: booking.ID, Valid: true}, thread.Conversation.BookingID)

	require.Len(t, thread.Messages, 3)
	assert.Equal(t, "New rental request from 2025-06-03 to 2025-06-06.", thread.Messages[0].Body)
	assert.Equal(t, buyerID, thread.Messages[0].SenderID)
	assert.Equal(t, "Booking confirmed by the seller.", thread.Messages[1].Body)
	assert.Equal(t, owner, thread.Messages[1].SenderID)
	assert.Equal(t, "Booking cancelled by the seller. Reason: Double booked", thread.Messages[2].Body)
	for i, m := range thread.Messages {
		assert.Equal(t, models.MessageKindSystem, m.Kind)
		assert.Equal(t, int64(i+1), m.Seq)
	}
	// the buyer has not read the two notices from the seller
	assert.Equal(t, 2, thread.UnreadCount)
}
