package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digimarket/reservation-core/internal/clock"
	"github.com/digimarket/reservation-core/internal/database"
	"github.com/digimarket/reservation-core/internal/models"
)

// RateLimitService limits how many messages a user may send in a sliding window.
// The messages table itself is the request log.
type RateLimitService struct {
	messages *database.MessageRepository
	clock    clock.Clock
	config   RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	MaxMessages int           // Max user messages per sender, 0 disables the limit
	Window      time.Duration // Sliding window length
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxMessages: 30,          // 30 messages
		Window:      time.Minute, // per minute
	}
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(messages *database.MessageRepository, clk clock.Clock, config RateLimitConfig) *RateLimitService {
	return &RateLimitService{
		messages: messages,
		clock:    clk,
		config:   config,
	}
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Time
	Type       string // "sender"
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// Unwrap lets handlers match the error with errors.Is(err, models.ErrRateLimited)
func (e *RateLimitError) Unwrap() error {
	return models.ErrRateLimited
}

// Enabled reports whether a limit is configured
func (s *RateLimitService) Enabled() bool {
	return s.config.MaxMessages > 0 && s.config.Window > 0
}

// CheckMessageRateLimit returns a *RateLimitError when senderID already sent
// MaxMessages user messages inside the window
func (s *RateLimitService) CheckMessageRateLimit(ctx context.Context, senderID uuid.UUID) error {
	if !s.Enabled() {
		return nil
	}

	now := s.clock.Now()
	window, err := s.messages.CountSentSince(ctx, senderID, now.Add(-s.config.Window))
	if err != nil {
		return fmt.Errorf("failed to check message rate limit: %w", err)
	}

	if window.Count >= s.config.MaxMessages {
		retryAfter := now.Add(s.config.Window)
		if window.Oldest != nil {
			retryAfter = window.Oldest.Add(s.config.Window)
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("Too many messages. Please try again after %s", retryAfter.Format("15:04:05")),
			RetryAfter: retryAfter,
			Type:       "sender",
		}
	}

	return nil
}
