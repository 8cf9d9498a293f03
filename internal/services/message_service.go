package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/security"
	"github.com/digimarket/reservation-core/internal/telemetry"
)

// MessageConfig holds message store settings
type MessageConfig struct {
	MaxLength      int  // in runes
	StatusMessages bool // append a system message to the booking thread on every booking change
}

// MessageService is the append-only message log of each thread
type MessageService struct {
	db            *database.DB
	conversations *database.ConversationRepository
	messages      *database.MessageRepository
	threads       *ThreadService
	rateLimiter   *RateLimitService
	encryptor     *security.Encryptor // nil stores bodies in clear text
	publisher     EventPublisher
	locks         *KeyedMutex
	clock         clock.Clock
	metrics       *telemetry.Metrics
	config        MessageConfig
	logger        *logrus.Logger
}

// NewMessageService creates a new MessageService
func NewMessageService(
	db *database.DB,
	conversations *database.ConversationRepository,
	messages *database.MessageRepository,
	threads *ThreadService,
	rateLimiter *RateLimitService,
	encryptor *security.Encryptor,
	publisher EventPublisher,
	locks *KeyedMutex,
	clk clock.Clock,
	metrics *telemetry.Metrics,
	config MessageConfig,
	logger *logrus.Logger,
) *MessageService {
	if config.MaxLength <= 0 {
		config.MaxLength = 5000
	}
	return &MessageService{
		db:            db,
		conversations: conversations,
		messages:      messages,
		threads:       threads,
		rateLimiter:   rateLimiter,
		encryptor:     encryptor,
		publisher:     publisher,
		locks:         locks,
		clock:         clk,
		metrics:       metrics,
		config:        config,
		logger:        logger,
	}
}

// Send resolves the thread addressed by tc (creating it on first contact)
// and appends body from senderID to the counterpart. A sender over the limit
// is turned away before any thread is created.
func (s *MessageService) Send(ctx context.Context, senderID uuid.UUID, tc models.ThreadContext, body string) (*models.Message, error) {
	if err := s.validateBody(body); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, senderID); err != nil {
		return nil, err
	}

	conv, err := s.threads.Resolve(ctx, senderID, tc)
	if err != nil {
		return nil, err
	}
	return s.Append(ctx, conv.ID, senderID, body)
}

// Append adds a user message to an existing thread. Only a participant may
// append, and the receiver is always the other participant.
func (s *MessageService) Append(ctx context.Context, conversationID, senderID uuid.UUID, body string) (*models.Message, error) {
	if err := s.validateBody(body); err != nil {
		return nil, err
	}

	conv, err := s.threads.Get(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}

	return s.append(ctx, conv, senderID, conv.Counterpart(senderID), body, models.MessageKindUser)
}

func (s *MessageService) checkRateLimit(ctx context.Context, senderID uuid.UUID) error {
	if s.rateLimiter == nil || !s.rateLimiter.Enabled() {
		return nil
	}
	err := s.rateLimiter.CheckMessageRateLimit(ctx, senderID)
	var rle *RateLimitError
	if errors.As(err, &rle) {
		s.metrics.MessageRateLimited(ctx)
	}
	return err
}

func (s *MessageService) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return models.NewValidationError("EMPTY_MESSAGE", "message_text cannot be empty")
	}
	if utf8.RuneCountInString(body) > s.config.MaxLength {
		return models.NewValidationError("MESSAGE_TOO_LONG",
			fmt.Sprintf("message_text cannot exceed %d characters", s.config.MaxLength))
	}
	return nil
}

// append allocates the next seq under the thread lock and inserts the message.
// User messages count against the sender's rate limit inside the same
// transaction, with the sender locked, so concurrent sends cannot overshoot it.
func (s *MessageService) append(ctx context.Context, conv *models.Conversation, senderID, receiverID uuid.UUID, body string, kind models.MessageKind) (*models.Message, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "messages.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conv.ID.String()),
		attribute.String("kind", string(kind)),
	)

	stored := body
	if s.encryptor != nil {
		sealed, err := s.encryptor.Encrypt(body)
		if err != nil {
			return nil, err
		}
		stored = sealed
	}

	unlock := s.locks.Lock(threadLockKey(conv.ID.String()))
	defer unlock()

	var msg *models.Message
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		if kind == models.MessageKindUser && s.rateLimiter != nil && s.rateLimiter.Enabled() {
			if err := s.messages.LockSender(ctx, senderID); err != nil {
				return err
			}
			if err := s.checkRateLimit(ctx, senderID); err != nil {
				return err
			}
		}

		seq, sentAt, err := s.conversations.AllocateSeq(ctx, conv.ID, s.clock.Now())
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return models.NewNotFoundError("THREAD_NOT_FOUND", "Conversation not found")
			}
			return err
		}

		m := &models.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Seq:            seq,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Body:           stored,
			Kind:           kind,
			SentAt:         sentAt,
		}
		if err := s.messages.Insert(ctx, m); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	msg.Body = body
	s.metrics.MessageSent(ctx, string(kind))
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"seq":             msg.Seq,
		"kind":            kind,
	}).Debug("Message appended")

	if s.publisher != nil {
		s.publisher.Publish([]uuid.UUID{senderID, receiverID}, EventMessageCreated, msg)
	}
	return msg, nil
}

// List returns the thread's messages in send order plus the caller's unread count
func (s *MessageService) List(ctx context.Context, callerID, conversationID uuid.UUID) (*models.ThreadMessages, error) {
	conv, err := s.threads.Get(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, callerID, conv)
}

// ListByContext serves the listMessages lookup by counterpart with optional
// listing/booking context. A counterpart alone addresses the pair's
// listing-less thread. Reading never creates a thread.
func (s *MessageService) ListByContext(ctx context.Context, callerID uuid.UUID, tc models.ThreadContext) (*models.ThreadMessages, error) {
	conv, err := s.threads.Lookup(ctx, callerID, tc)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return &models.ThreadMessages{Messages: []models.Message{}}, nil
	}
	return s.list(ctx, callerID, conv)
}

func (s *MessageService) list(ctx context.Context, callerID uuid.UUID, conv *models.Conversation) (*models.ThreadMessages, error) {
	messages, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if err := s.open(&messages[i]); err != nil {
			return nil, err
		}
	}

	unread, err := s.messages.CountUnread(ctx, conv.ID, callerID)
	if err != nil {
		return nil, err
	}

	return &models.ThreadMessages{
		Conversation: conv,
		Messages:     messages,
		UnreadCount:  unread,
	}, nil
}

func (s *MessageService) open(msg *models.Message) error {
	if s.encryptor == nil {
		return nil
	}
	plain, err := s.encryptor.Decrypt(msg.Body)
	if err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Body = plain
	return nil
}

// MarkRead marks the caller's received messages read up to a watermark:
// the given message, or the last message present when the call runs.
// Messages appended afterwards stay unread.
func (s *MessageService) MarkRead(ctx context.Context, callerID, conversationID uuid.UUID, upToMessageID uuid.NullUUID) (*models.MarkReadResult, error) {
	now := s.clock.Now()

	var (
		result models.MarkReadResult
		conv   *models.Conversation
	)
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		c, err := s.conversations.GetByID(ctx, conversationID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return models.NewNotFoundError("THREAD_NOT_FOUND", "Conversation not found")
			}
			return err
		}
		if !c.HasParticipant(callerID) {
			return models.NewNotFoundError("THREAD_NOT_FOUND", "Conversation not found")
		}

		upTo := c.LastSeq
		if upToMessageID.Valid {
			msg, err := s.messages.GetByID(ctx, upToMessageID.UUID)
			if err != nil && !errors.Is(err, database.ErrNoRows) {
				return err
			}
			if msg == nil || msg.ConversationID != c.ID {
				return models.NewNotFoundError("MESSAGE_NOT_FOUND", "Message not found in this conversation")
			}
			upTo = msg.Seq
		}

		marked, err := s.messages.MarkReadUpTo(ctx, c.ID, callerID, upTo, now)
		if err != nil {
			return err
		}
		if err := s.conversations.UpsertReadWatermark(ctx, c.ID, callerID, upTo, now); err != nil {
			return err
		}

		conv = c
		result = models.MarkReadResult{ConversationID: c.ID, UpToSeq: upTo, MarkedCount: marked}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.publisher != nil && result.MarkedCount > 0 {
		s.publisher.Publish([]uuid.UUID{conv.Counterpart(callerID)}, EventMessagesRead, map[string]interface{}{
			"conversation_id": conv.ID,
			"reader_id":       callerID,
			"up_to_seq":       result.UpToSeq,
		})
	}
	return &result, nil
}

// UnreadCount returns how many messages in the thread the caller has not read
func (s *MessageService) UnreadCount(ctx context.Context, callerID, conversationID uuid.UUID) (int, error) {
	conv, err := s.threads.Get(ctx, callerID, conversationID)
	if err != nil {
		return 0, err
	}
	return s.messages.CountUnread(ctx, conv.ID, callerID)
}

// BookingChanged appends a system message describing the change to the
// booking's thread when status messages are enabled
func (s *MessageService) BookingChanged(ctx context.Context, event BookingEvent) {
	if !s.config.StatusMessages {
		return
	}

	booking := event.Booking
	conv, err := s.threads.ResolveForBooking(ctx, booking, event.OwnerID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Error("Failed to resolve booking thread")
		return
	}

	sender := event.Actor.UserID
	if event.Actor.Role == models.ActorSystem || sender == uuid.Nil {
		sender = event.OwnerID
	}
	receiver := conv.Counterpart(sender)

	if _, err := s.append(ctx, conv, sender, receiver, statusMessageText(event), models.MessageKindSystem); err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Error("Failed to append booking status message")
	}
}

func statusMessageText(event BookingEvent) string {
	b := event.Booking
	if event.From == "" {
		if period := b.Period(); period != nil {
			return fmt.Sprintf("New rental request from %s to %s.", period.Start, period.End)
		}
		return "New purchase request."
	}

	text := fmt.Sprintf("Booking %s by the %s.", strings.ToLower(string(b.Status)), event.Actor.Role)
	if event.Actor.Role == models.ActorSystem {
		text = fmt.Sprintf("Booking %s automatically.", strings.ToLower(string(b.Status)))
	}
	if event.Reason != nil && strings.TrimSpace(*event.Reason) != "" {
		text += " Reason: " + strings.TrimSpace(*event.Reason)
	}
	return text
}
