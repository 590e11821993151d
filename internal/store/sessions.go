package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"

	"safewalk/internal/models"
	"safewalk/internal/session"
)

const sessionColumns = `id, user_id, start_time, deadline, status, note,
	extensions_count, max_extensions, confirmed_at, alert_sent_at,
	share_location, last_lat, last_lng, last_seen_at, created_at, updated_at`

// Sessions persists session rows and runs the lifecycle transitions.
type Sessions struct {
	handle
}

// Create inserts a new session row.
func (s *Sessions) Create(ctx context.Context, sess *models.Session) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches one session by id, without ownership checks.
func (s *Sessions) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var sess models.Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// ListByUser returns the user's sessions newest first.
func (s *Sessions) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// transition runs one conditional UPDATE. Zero rows means the session either
// does not exist, belongs to someone else, or already reached a terminal
// status; diagnose() tells those apart after the fact.
func (s *Sessions) transition(ctx context.Context, query string, args ...any) (*models.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var sess models.Session
	err := pgxscan.Get(ctx, s.pool, &sess, query, args...)
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session transition: %w", err)
	}
	return nil, nil
}

// diagnose maps a zero-row transition to the right sentinel.
func (s *Sessions) diagnose(ctx context.Context, id, userID uuid.UUID) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var status models.SessionStatus
	row := s.pool.QueryRow(ctx,
		`SELECT status FROM sessions WHERE id = $1 AND user_id = $2`, id, userID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.ErrNotFound
		}
		return fmt.Errorf("diagnose session: %w", err)
	}
	if status.Terminal() {
		return session.ErrNotActive
	}
	return nil
}

// diagnoseTransition is diagnose for transitions whose only live-row guard
// is the status filter; a still-live row losing the race reads as not
// active rather than as a silent success.
func (s *Sessions) diagnoseTransition(ctx context.Context, id, userID uuid.UUID) error {
	if err := s.diagnose(ctx, id, userID); err != nil {
		return err
	}
	return session.ErrNotActive
}

// CheckIn marks the user safely returned. Valid from active or alerted, so a
// late check-in still closes out a session the sweep already alerted on.
func (s *Sessions) CheckIn(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error) {
	sess, err := s.transition(ctx, `
		UPDATE sessions
		SET status = 'checked_in', confirmed_at = $3, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'alerted')
		RETURNING `+sessionColumns,
		id, userID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.diagnoseTransition(ctx, id, userID)
	}
	return sess, nil
}

// Extend pushes the deadline and, when the session was already alerted,
// re-arms it by resetting status and clearing alert_sent_at so the next
// overdue period can alert again.
func (s *Sessions) Extend(ctx context.Context, id, userID uuid.UUID, minutes int, now time.Time) (*models.Session, error) {
	sess, err := s.transition(ctx, `
		UPDATE sessions
		SET deadline = deadline + make_interval(mins => $3),
		    extensions_count = extensions_count + 1,
		    status = 'active',
		    alert_sent_at = NULL,
		    updated_at = $4
		WHERE id = $1 AND user_id = $2
		  AND status IN ('active', 'alerted')
		  AND extensions_count < max_extensions
		RETURNING `+sessionColumns,
		id, userID, minutes, now)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	if derr := s.diagnose(ctx, id, userID); derr != nil {
		return nil, derr
	}
	// Row exists and is live, so the guard that failed was the counter.
	return nil, session.ErrExtensionLimit
}

// Cancel terminates the session without alerting.
func (s *Sessions) Cancel(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error) {
	sess, err := s.transition(ctx, `
		UPDATE sessions
		SET status = 'cancelled', updated_at = $3
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'alerted')
		RETURNING `+sessionColumns,
		id, userID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.diagnoseTransition(ctx, id, userID)
	}
	return sess, nil
}

// MarkSos flips a live session to sos_triggered.
func (s *Sessions) MarkSos(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error) {
	sess, err := s.transition(ctx, `
		UPDATE sessions
		SET status = 'sos_triggered', updated_at = $3
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'alerted')
		RETURNING `+sessionColumns,
		id, userID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.diagnoseTransition(ctx, id, userID)
	}
	return sess, nil
}

// RecordLocation stores the latest position ping on a live session.
func (s *Sessions) RecordLocation(ctx context.Context, id, userID uuid.UUID, lat, lng float64, now time.Time) (*models.Session, error) {
	sess, err := s.transition(ctx, `
		UPDATE sessions
		SET last_lat = $3, last_lng = $4, last_seen_at = $5, updated_at = $5
		WHERE id = $1 AND user_id = $2 AND status IN ('active', 'alerted')
		RETURNING `+sessionColumns,
		id, userID, lat, lng, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, s.diagnoseTransition(ctx, id, userID)
	}
	return sess, nil
}

// Extend clears alert_sent_at whenever it re-arms, so an active session
// never carries a stale alert timestamp. The IS NULL clause still belongs
// in the claim predicate: the claim contract is status, deadline and
// alert_sent_at together, not status alone.
const claimOverdueSQL = `
		UPDATE sessions
		SET status = 'alerted', alert_sent_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM sessions
			WHERE status = 'active' AND deadline <= $1 AND alert_sent_at IS NULL
			ORDER BY deadline
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + sessionColumns

// ClaimOverdue atomically flips up to limit overdue active sessions to
// alerted, stamping alert_sent_at in the same statement. SKIP LOCKED lets
// concurrent sweepers partition the backlog instead of blocking on it, and
// the claim predicate means a session is claimed by exactly one of them.
func (s *Sessions) ClaimOverdue(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var claimed []models.Session
	err := pgxscan.Select(ctx, s.pool, &claimed, claimOverdueSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim overdue sessions: %w", err)
	}
	return claimed, nil
}
