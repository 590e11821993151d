package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"safewalk/internal/models"
	"safewalk/internal/session"
)

// Contacts resolves emergency contacts.
type Contacts struct {
	handle
}

// Primary returns the user's best reachable emergency contact: lowest
// priority value first, opted-out contacts excluded.
func (c *Contacts) Primary(ctx context.Context, userID uuid.UUID) (*models.EmergencyContact, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var contact models.EmergencyContact
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND opted_out = false", userID).
		Order("priority ASC").
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNoContact
	}
	if err != nil {
		return nil, fmt.Errorf("select primary contact: %w", err)
	}
	return &contact, nil
}
