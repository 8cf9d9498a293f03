package services

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/security"
	"github.com/digimarket/reservation-core/internal/telemetry"
	"github.com/digimarket/reservation-core/internal/testutil"
)

type publishedEvent struct {
	UserIDs []uuid.UUID
	Type    string
	Payload interface{}
}

// recordingPublisher captures live events instead of writing to sockets
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(userIDs []uuid.UUID, eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{UserIDs: userIDs, Type: eventType, Payload: payload})
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harnessOptions struct {
	policy         models.RentalPolicy
	statusMessages bool
	rateLimit      RateLimitConfig
	encryptor      *security.Encryptor
	pendingTTL     time.Duration
}

type harnessOption func(*harnessOptions)

func withPolicy(p models.RentalPolicy) harnessOption {
	return func(o *harnessOptions) { o.policy = p }
}

func withStatusMessages() harnessOption {
	return func(o *harnessOptions) { o.statusMessages = true }
}

func withRateLimit(max int, window time.Duration) harnessOption {
	return func(o *harnessOptions) { o.rateLimit = RateLimitConfig{MaxMessages: max, Window: window} }
}

func withEncryptor(e *security.Encryptor) harnessOption {
	return func(o *harnessOptions) { o.encryptor = e }
}

func withPendingTTL(ttl time.Duration) harnessOption {
	return func(o *harnessOptions) { o.pendingTTL = ttl }
}

// harness wires every core service against one sqlite database, the way
// cmd/server does against the real one
type harness struct {
	env          *testutil.Env
	locks        *KeyedMutex
	publisher    *recordingPublisher
	audit        *AuditService
	ledger       *AvailabilityLedger
	reservations *ReservationService
	lifecycle    *BookingLifecycleService
	queries      *BookingQueryService
	listings     *ListingService
	threads      *ThreadService
	messages     *MessageService
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	o := harnessOptions{policy: models.RentalPolicyInterval}
	for _, opt := range opts {
		opt(&o)
	}

	env := testutil.NewEnv(t)
	metrics, err := telemetry.NewMetrics()
	require.NoError(t, err)

	locks := NewKeyedMutex()
	publisher := &recordingPublisher{}
	ledger := NewAvailabilityLedger(env.Bookings, o.policy)
	audit := NewAuditService(env.DB, env.Clock)

	h := &harness{
		env:       env,
		locks:     locks,
		publisher: publisher,
		audit:     audit,
		ledger:    ledger,
		reservations: NewReservationService(
			env.DB, env.Listings, env.Bookings, ledger, audit, locks, env.Clock, metrics, env.Logger,
		),
		lifecycle: NewBookingLifecycleService(
			env.DB, env.Listings, env.Bookings, ledger, audit, locks, env.Clock, metrics,
			BookingLifecycleConfig{PendingTTL: o.pendingTTL}, env.Logger,
		),
		queries:  NewBookingQueryService(env.Listings, env.Bookings),
		listings: NewListingService(env.Listings, ledger, env.Clock, env.Logger),
		threads:  NewThreadService(env.DB, env.Conversations, env.Listings, env.Bookings, env.Clock, env.Logger),
	}
	h.messages = NewMessageService(
		env.DB, env.Conversations, env.Messages, h.threads,
		NewRateLimitService(env.Messages, env.Clock, o.rateLimit),
		o.encryptor, publisher, locks, env.Clock, metrics,
		MessageConfig{MaxLength: 200, StatusMessages: o.statusMessages},
		env.Logger,
	)

	notifier := BookingNotifiers{h.messages, NewBookingEventPublisher(publisher)}
	h.reservations.SetNotifier(notifier)
	h.lifecycle.SetNotifier(notifier)

	return h
}

func rentalInput(listingID uuid.UUID, start, end int) models.BookingInput {
	return models.BookingInput{
		ListingID:   listingID,
		BookingType: models.BookingTypeRental,
		Period:      testutil.Range(start, end),
	}
}

func buyingInput(listingID uuid.UUID) models.BookingInput {
	return models.BookingInput{ListingID: listingID, BookingType: models.BookingTypeBuying}
}

func seller(id uuid.UUID) Actor { return Actor{UserID: id, Role: models.ActorSeller} }

func buyer(id uuid.UUID) Actor { return Actor{UserID: id, Role: models.ActorBuyer} }

func strPtr(s string) *string { return &s }
