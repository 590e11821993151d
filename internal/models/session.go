package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates the server-side lifecycle of an outing.
// Grace/overdue are client-computed display phases, never persisted.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionAlerted      SessionStatus = "alerted"
	SessionCheckedIn    SessionStatus = "checked_in"
	SessionCancelled    SessionStatus = "cancelled"
	SessionSosTriggered SessionStatus = "sos_triggered"
)

// Terminal reports whether the status admits no further automatic alerting.
// Alerted is not terminal: an extend re-arms the session.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCheckedIn, SessionCancelled, SessionSosTriggered:
		return true
	}
	return false
}

// DefaultMaxExtensions caps how many times a session deadline may be pushed.
const DefaultMaxExtensions = 3

// Session records one user outing. Rows are never deleted; finished
// sessions are retained as history.
type Session struct {
	ID              uuid.UUID     `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID     `gorm:"type:uuid;not null;index:idx_sessions_user_status,priority:1"`
	StartTime       time.Time     `gorm:"not null"`
	Deadline        time.Time     `gorm:"not null;index:idx_sessions_sweep,priority:2"`
	Status          SessionStatus `gorm:"type:text;not null;default:active;index:idx_sessions_sweep,priority:1;index:idx_sessions_user_status,priority:2"`
	Note            string        `gorm:"type:text"`
	ExtensionsCount int           `gorm:"not null;default:0"`
	MaxExtensions   int           `gorm:"not null;default:3"`

	// ConfirmedAt is stamped by check-in; AlertSentAt going non-null is the
	// idempotency guard for the sweep claim.
	ConfirmedAt *time.Time
	AlertSentAt *time.Time

	ShareLocation bool `gorm:"not null;default:false"`
	LastLat       *float64
	LastLng       *float64
	LastSeenAt    *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	DeliveryLogs []SmsLog `gorm:"foreignKey:SessionID"`
}
