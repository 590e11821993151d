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

// Profiles reads user profile rows for message building. Credit mutation
// never goes through here; that is the ledger's job.
type Profiles struct {
	handle
}

func (p *Profiles) Get(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var profile models.Profile
	err := p.db.WithContext(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select profile: %w", err)
	}
	return &profile, nil
}
