package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"safewalk/internal/models"
)

// DeliveryLogs is the append-only SMS outcome log.
type DeliveryLogs struct {
	handle
}

func (l *DeliveryLogs) Append(ctx context.Context, entry *models.SmsLog) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert sms log: %w", err)
	}
	return nil
}

// HasSentAlert reports whether a sent deadline alert was already logged for
// the session.
func (l *DeliveryLogs) HasSentAlert(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.SmsLog{}).
		Where("session_id = ? AND sms_type = ? AND status = ?",
			sessionID, models.SmsAlert, models.SmsSent).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count sent alerts: %w", err)
	}
	return count > 0, nil
}

// RecentByUser returns the user's latest delivery log entries, newest first.
func (l *DeliveryLogs) RecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.SmsLog, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []models.SmsLog
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list sms logs: %w", err)
	}
	return entries, nil
}
