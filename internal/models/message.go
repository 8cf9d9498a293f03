package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind separates user-authored messages from lifecycle notices
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// Message is one entry in a thread's append-only log.
// Only IsRead/ReadAt ever change after insert.
type Message struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	Seq            int64       `json:"seq" db:"seq"`
	SenderID       uuid.UUID   `json:"sender_id" db:"sender_id"`
	ReceiverID     uuid.UUID   `json:"receiver_id" db:"receiver_id"`
	Body           string      `json:"message_text" db:"body"`
	Kind           MessageKind `json:"kind" db:"kind"`
	IsRead         bool        `json:"is_read" db:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty" db:"read_at"`
	SentAt         time.Time   `json:"sent_at" db:"sent_at"`
}

// SendMessageRequest posts a message to the thread addressed by receiver and context
type SendMessageRequest struct {
	Receiver    string  `json:"receiver" binding:"required"`
	Listing     *string `json:"listing,omitempty"`
	Booking     *string `json:"booking,omitempty"`
	MessageText string  `json:"message_text"`
}

// Parse validates the addressing fields; the body is checked by the message store
func (r *SendMessageRequest) Parse() (ThreadContext, error) {
	return parseThreadContext(r.Receiver, r.Listing, r.Booking)
}

// ThreadMessages is the listMessages response
type ThreadMessages struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	Messages     []Message     `json:"messages"`
	UnreadCount  int           `json:"unread_count"`
}
