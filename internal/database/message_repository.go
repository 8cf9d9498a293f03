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

// MessageRepository handles database operations for the messages table
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, seq, sender_id, receiver_id, body, kind, is_read, read_at, sent_at`

// Insert appends a message; seq and sent_at must come from ConversationRepository.AllocateSeq
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	query := r.db.Rebind(`
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	_, err := r.db.Querier(ctx).ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.ReceiverID,
		msg.Body, msg.Kind, msg.IsRead, msg.ReadAt, msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE id = ?`)

	var msg models.Message
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// ListByConversation returns the thread's messages in ascending send order
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, seq ASC
	`)

	messages := []models.Message{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &messages, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// MarkReadUpTo flags the reader's unread messages with seq <= upToSeq as read
func (r *MessageRepository) MarkReadUpTo(ctx context.Context, conversationID, readerID uuid.UUID, upToSeq int64, now time.Time) (int64, error) {
	query := r.db.Rebind(`
		UPDATE messages
		SET is_read = ?, read_at = ?
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = ? AND seq <= ?
	`)

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, true, now, conversationID, readerID, false, upToSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CountUnread counts the receiver's unread messages in a thread
func (r *MessageRepository) CountUnread(ctx context.Context, conversationID, receiverID uuid.UUID) (int, error) {
	query := r.db.Rebind(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = ?
	`)

	var count int
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &count, query, conversationID, receiverID, false); err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// SentWindow summarizes a sender's user messages since a point in time
type SentWindow struct {
	Count  int
	Oldest *time.Time
}

// CountSentSince counts the sender's user-authored messages sent after since
func (r *MessageRepository) CountSentSince(ctx context.Context, senderID uuid.UUID, since time.Time) (SentWindow, error) {
	countQuery := r.db.Rebind(`
		SELECT COUNT(*) FROM messages
		WHERE sender_id = ? AND kind = ? AND sent_at > ?
	`)

	var window SentWindow
	q := r.db.Querier(ctx)
	if err := sqlx.GetContext(ctx, q, &window.Count, countQuery, senderID, models.MessageKindUser, since); err != nil {
		return window, fmt.Errorf("failed to count sent messages: %w", err)
	}
	if window.Count == 0 {
		return window, nil
	}

	oldestQuery := r.db.Rebind(`
		SELECT sent_at FROM messages
		WHERE sender_id = ? AND kind = ? AND sent_at > ?
		ORDER BY sent_at ASC
		LIMIT 1
	`)
	var oldest time.Time
	if err := sqlx.GetContext(ctx, q, &oldest, oldestQuery, senderID, models.MessageKindUser, since); err != nil {
		return window, fmt.Errorf("failed to get oldest sent message: %w", err)
	}
	oldest = oldest.UTC()
	window.Oldest = &oldest
	return window, nil
}

// LockSender holds a per-sender lock until the surrounding transaction ends,
// so a rate limit count and the insert it admits cannot interleave with
// another instance's. SQLite runs one writer at a time and needs no lock.
func (r *MessageRepository) LockSender(ctx context.Context, senderID uuid.UUID) error {
	if txFromContext(ctx) == nil {
		return errors.New("LockSender must run inside a transaction")
	}
	if r.db.Dialect() != DialectPostgres {
		return nil
	}
	if _, err := r.db.Querier(ctx).ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "sender:"+senderID.String()); err != nil {
		return fmt.Errorf("failed to lock sender: %w", err)
	}
	return nil
}
