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

// ConversationRepository handles database operations for conversations and read watermarks
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `c.id, c.thread_key, c.user_lo, c.user_hi, c.listing_id, c.booking_id,
	c.last_seq, c.last_message_at, c.created_at, c.updated_at`

// InsertIfAbsent creates the conversation unless its thread key already exists.
// Reports whether this call created the row.
func (r *ConversationRepository) InsertIfAbsent(ctx context.Context, conv *models.Conversation) (bool, error) {
	query := r.db.Rebind(`
		INSERT INTO conversations (
			id, thread_key, user_lo, user_hi, listing_id, booking_id,
			last_seq, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (thread_key) DO NOTHING
	`)

	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}

	result, err := r.db.Querier(ctx).ExecContext(ctx, query,
		conv.ID, conv.ThreadKey, conv.UserLo, conv.UserHi,
		conv.ListingID, conv.BookingID, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetByKey retrieves a conversation by its canonical thread key
func (r *ConversationRepository) GetByKey(ctx context.Context, threadKey string) (*models.Conversation, error) {
	return r.getOne(ctx, `c.thread_key = ?`, threadKey)
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return r.getOne(ctx, `c.id = ?`, id)
}

func (r *ConversationRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Conversation, error) {
	query := r.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations c WHERE ` + where)

	var conv models.Conversation
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &conv, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// SetBooking records the most recent booking context of the thread
func (r *ConversationRepository) SetBooking(ctx context.Context, id, bookingID uuid.UUID, now time.Time) error {
	query := r.db.Rebind(`UPDATE conversations SET booking_id = ?, updated_at = ? WHERE id = ?`)

	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, bookingID, now, id); err != nil {
		return fmt.Errorf("failed to update conversation booking: %w", err)
	}
	return nil
}

// AllocateSeq reserves the next sequence number of the thread and returns it with
// the message timestamp. The row update holds the thread's lock until commit, and
// the timestamp never moves backwards within the thread even if clocks do.
func (r *ConversationRepository) AllocateSeq(ctx context.Context, id uuid.UUID, now time.Time) (int64, time.Time, error) {
	query := r.db.Rebind(`
		UPDATE conversations
		SET last_seq = last_seq + 1,
			last_message_at = CASE
				WHEN last_message_at IS NULL OR last_message_at < ? THEN ?
				ELSE last_message_at
			END,
			updated_at = ?
		WHERE id = ?
	`)

	result, err := r.db.Querier(ctx).ExecContext(ctx, query, now, now, now, id)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to allocate message sequence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, time.Time{}, ErrNoRows
	}

	var row struct {
		LastSeq       int64     `db:"last_seq"`
		LastMessageAt time.Time `db:"last_message_at"`
	}
	selectQuery := r.db.Rebind(`SELECT last_seq, last_message_at FROM conversations WHERE id = ?`)
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &row, selectQuery, id); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read message sequence: %w", err)
	}
	return row.LastSeq, row.LastMessageAt.UTC(), nil
}

// ListForUser returns the user's threads, most recently active first, with unread counts
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ThreadSummary, error) {
	query := r.db.Rebind(`
		SELECT ` + conversationColumns + `,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.receiver_id = ? AND m.is_read = ?) AS unread_count
		FROM conversations c
		WHERE c.user_lo = ? OR c.user_hi = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id ASC
	`)

	threads := []models.ThreadSummary{}
	if err := sqlx.SelectContext(ctx, r.db.Querier(ctx), &threads, query, userID, false, userID, userID); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	for i := range threads {
		threads[i].CounterpartID = threads[i].Counterpart(userID)
	}
	return threads, nil
}

// UpsertReadWatermark raises the user's read watermark to seq; it never lowers it
func (r *ConversationRepository) UpsertReadWatermark(ctx context.Context, id, userID uuid.UUID, seq int64, now time.Time) error {
	query := r.db.Rebind(`
		INSERT INTO conversation_reads (conversation_id, user_id, last_read_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_read_seq = CASE
				WHEN excluded.last_read_seq > conversation_reads.last_read_seq THEN excluded.last_read_seq
				ELSE conversation_reads.last_read_seq
			END,
			updated_at = excluded.updated_at
	`)

	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, id, userID, seq, now); err != nil {
		return fmt.Errorf("failed to update read watermark: %w", err)
	}
	return nil
}

// GetReadWatermark returns the highest seq the user has marked read, 0 if none
func (r *ConversationRepository) GetReadWatermark(ctx context.Context, id, userID uuid.UUID) (int64, error) {
	query := r.db.Rebind(`SELECT last_read_seq FROM conversation_reads WHERE conversation_id = ? AND user_id = ?`)

	var seq int64
	if err := sqlx.GetContext(ctx, r.db.Querier(ctx), &seq, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get read watermark: %w", err)
	}
	return seq, nil
}
