package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"safewalk/internal/models"
	"safewalk/internal/session"
)

// Heartbeats records sweep liveness, one row per tick.
type Heartbeats struct {
	handle
}

func (h *Heartbeats) Record(ctx context.Context, hb *models.SweepHeartbeat) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := h.db.WithContext(ctx).Create(hb).Error; err != nil {
		return fmt.Errorf("insert sweep heartbeat: %w", err)
	}
	return nil
}

// Latest returns the most recent heartbeat row. Operators compare its age
// against the sweep interval to detect a stalled scheduler.
func (h *Heartbeats) Latest(ctx context.Context) (*models.SweepHeartbeat, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var hb models.SweepHeartbeat
	err := h.db.WithContext(ctx).Order("created_at DESC").First(&hb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest heartbeat: %w", err)
	}
	return &hb, nil
}
