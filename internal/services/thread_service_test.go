package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/digimarket/reservation-core/internal/models"
)

func listingContext(counterpart, listingID uuid.UUID) models.ThreadContext {
	return models.ThreadContext{CounterpartID: counterpart, ListingID: uuid.NullUUID{UUID: listingID, Valid: true}}
}

func TestResolve_SameThreadFromEitherSide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, seller)

	fromBuyer, err := h.threads.Resolve(ctx, buyer, listingContext(seller, listing.ID))
	require.NoError(t, err)
	fromSeller, err := h.threads.Resolve(ctx, seller, listingContext(buyer, listing.ID))
	require.NoError(t, err)

	assert.Equal(t, fromBuyer.ID, fromSeller.ID)
	assert.Equal(t, models.ThreadKey(seller, buyer, uuid.NullUUID{UUID: listing.ID, Valid: true}), fromBuyer.ThreadKey)
	assert.True(t, fromBuyer.HasParticipant(seller))
	assert.True(t, fromBuyer.HasParticipant(buyer))
}

func TestResolve_ConcurrentCallsCreateOneThread(t *testing.T) {
	h := newHarness(t)
	seller, buyer := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, seller)

	const callers = 10
	ids := make([]uuid.UUID, callers)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			caller, counterpart := buyer, seller
			if i%2 == 1 {
				caller, counterpart = seller, buyer
			}
			conv, err := h.threads.Resolve(ctx, caller, listingContext(counterpart, listing.ID))
			if err != nil {
				return err
			}
			ids[i] = conv.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	inbox, err := h.threads.ListForUser(context.Background(), buyer)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestResolve_ListingScopesTheThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()
	first := h.env.CreateListing(t, seller)
	second := h.env.CreateListing(t, seller)

	a, err := h.threads.Resolve(ctx, buyer, listingContext(seller, first.ID))
	require.NoError(t, err)
	b, err := h.threads.Resolve(ctx, buyer, listingContext(seller, second.ID))
	require.NoError(t, err)
	general, err := h.threads.Resolve(ctx, buyer, models.ThreadContext{CounterpartID: seller})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, general.ID)
	assert.False(t, general.ListingID.Valid)
}

func TestResolve_BookingImpliesListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller, buyer := uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, seller)
	booking := h.env.InsertBooking(t, listing.ID, buyer, models.BookingTypeBuying, nil, models.BookingStatusPending)

	byListing, err := h.threads.Resolve(ctx, buyer, listingContext(seller, listing.ID))
	require.NoError(t, err)
	assert.False(t, byListing.BookingID.Valid)

	byBooking, err := h.threads.Resolve(ctx, seller, models.ThreadContext{
		CounterpartID: buyer,
		BookingID:     uuid.NullUUID{UUID: booking.ID, Valid: true},
	})
	require.NoError(t, err)

	assert.Equal(t, byListing.ID, byBooking.ID)
	assert.Equal(t, uuid.NullUUID{UUID: booking.ID, Valid: true}, byBooking.BookingID)
}

func TestResolve_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller, buyer, stranger := uuid.New(), uuid.New(), uuid.New()
	listing := h.env.CreateListing(t, seller)
	other := h.env.CreateListing(t, seller)
	booking := h.env.InsertBooking(t, listing.ID, buyer, models.BookingTypeBuying, nil, models.BookingStatusPending)
	bookingCtx := uuid.NullUUID{UUID: booking.ID, Valid: true}

	tests := []struct {
		name   string
		caller uuid.UUID
		tc     models.ThreadContext
		kind   error
		code   string
	}{
		{"missing counterpart", buyer, models.ThreadContext{}, models.ErrValidation, "INVALID_COUNTERPART"},
		{"self conversation", buyer, models.ThreadContext{CounterpartID: buyer}, models.ErrValidation, "SELF_CONVERSATION"},
		{"unknown listing", buyer, listingContext(seller, uuid.New()), models.ErrNotFound, "LISTING_NOT_FOUND"},
		{"neither party owns listing", buyer, listingContext(stranger, listing.ID), models.ErrValidation, "NOT_LISTING_PARTY"},
		{"unknown booking", buyer, models.ThreadContext{CounterpartID: seller, BookingID: uuid.NullUUID{UUID: uuid.New(), Valid: true}}, models.ErrNotFound, "BOOKING_NOT_FOUND"},
		{"outsider using booking", stranger, models.ThreadContext{CounterpartID: seller, BookingID: bookingCtx}, models.ErrNotFound, "BOOKING_NOT_FOUND"},
		{"wrong counterpart for booking", buyer, models.ThreadContext{CounterpartID: stranger, BookingID: bookingCtx}, models.ErrValidation, "COUNTERPART_MISMATCH"},
		{
			"booking on another listing", buyer,
			models.ThreadContext{CounterpartID: seller, BookingID: bookingCtx, ListingID: uuid.NullUUID{UUID: other.ID, Valid: true}},
			models.ErrValidation, "LISTING_MISMATCH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.threads.Resolve(ctx, tt.caller, tt.tc)
			assertDomainCode(t, err, tt.kind, tt.code)
		})
	}
}

func TestLookup_DoesNotCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conv, err := h.threads.Lookup(ctx, a, models.ThreadContext{CounterpartID: b})
	require.NoError(t, err)
	assert.Nil(t, conv)

	inbox, err := h.threads.ListForUser(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestGet_HidesThreadsFromOutsiders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conv, err := h.threads.Resolve(ctx, a, models.ThreadContext{CounterpartID: b})
	require.NoError(t, err)

	_, err = h.threads.Get(ctx, uuid.New(), conv.ID)
	assertDomainCode(t, err, models.ErrNotFound, "THREAD_NOT_FOUND")

	got, err := h.threads.Get(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}
