package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the per-user credit ledger and quota state. One row per user,
// mutated only through the single-statement consume in the ledger package.
type Profile struct {
	UserID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	PhoneVerified      bool      `gorm:"not null;default:false"`
	SubscriptionActive bool      `gorm:"not null;default:false"`
	FreeAlertCredits   int       `gorm:"not null;default:0"`
	FreeTestCredits    int       `gorm:"not null;default:0"`

	// SendsToday rolls over when QuotaDay falls behind the current date.
	SendsToday int       `gorm:"not null;default:0"`
	QuotaDay   time.Time `gorm:"type:date;not null;default:CURRENT_DATE"`
	DailyQuota int       `gorm:"not null;default:10"`

	FirstName          string `gorm:"type:text"`
	PhoneNumber        string `gorm:"type:text"`
	SharePhoneInAlerts bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
