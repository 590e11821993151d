package db

import (
	"context"

	"gorm.io/gorm"

	"safewalk/internal/models"
)

// Migrate performs schema migrations for the persistent models.
func Migrate(ctx context.Context, database *gorm.DB) error {
	return database.WithContext(ctx).AutoMigrate(
		&models.Session{},
		&models.Profile{},
		&models.EmergencyContact{},
		&models.SmsLog{},
		&models.SweepHeartbeat{},
	)
}
