package models

import (
	"time"

	"github.com/google/uuid"
)

// SmsType classifies a dispatch by the credit class it consumed.
type SmsType string

const (
	SmsAlert SmsType = "alert"
	SmsSos   SmsType = "sos"
	SmsTest  SmsType = "test"
)

// SmsStatus is the final outcome of a dispatch attempt.
type SmsStatus string

const (
	SmsSent   SmsStatus = "sent"
	SmsFailed SmsStatus = "failed"
)

// SmsLog records one dispatch outcome. Append-only: rows are inspected for
// idempotency and observability and never mutated after insert.
type SmsLog struct {
	ID           uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SessionID    *uuid.UUID `gorm:"type:uuid;index"`
	UserID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	ContactPhone string     `gorm:"type:text;not null"`
	SmsType      SmsType    `gorm:"type:text;not null"`
	Status       SmsStatus  `gorm:"type:text;not null"`

	RetryCount        int    `gorm:"not null;default:0"`
	DurationMs        int64  `gorm:"not null;default:0"`
	ErrorMessage      string `gorm:"type:text"`
	ProviderMessageID string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}
