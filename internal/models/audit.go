package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestMeta carries the client details recorded with audited changes
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AuditLog is one row of the audit_logs table
type AuditLog struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	UserID     uuid.NullUUID `json:"user_id" db:"user_id"`
	Action     string        `json:"action" db:"action"`
	EntityType string        `json:"entity_type" db:"entity_type"`
	EntityID   uuid.NullUUID `json:"entity_id" db:"entity_id"`
	IPAddress  *string       `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string       `json:"user_agent,omitempty" db:"user_agent"`
	Details    string        `json:"details" db:"details"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}
