package models

import (
	"time"

	"github.com/google/uuid"
)

// EmergencyContact is a person notified when a session goes overdue.
// Read-only to the engine; opted-out contacts are never dispatched to.
type EmergencyContact struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"type:text;not null"`
	PhoneNumber string    `gorm:"type:text;not null"`
	Priority    int       `gorm:"not null;default:1"`
	OptedOut    bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}
