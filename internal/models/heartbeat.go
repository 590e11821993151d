package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SweepHeartbeat is written once per scheduler tick, claimed sessions or
// not. Absence of recent rows is itself an operational failure signal.
type SweepHeartbeat struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Processed int            `gorm:"not null;default:0"`
	Sent      int            `gorm:"not null;default:0"`
	Failed    int            `gorm:"not null;default:0"`
	Meta      datatypes.JSON `gorm:"type:jsonb;default:'{}'::jsonb"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index"`
}
