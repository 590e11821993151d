package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"safewalk/internal/models"
	"safewalk/internal/retry"
	"safewalk/internal/sms"
)

// Store persists sessions. Every state transition is a conditional update
// at the storage layer; there are no in-process locks, so implementations
// must guarantee that the predicate check and the write are one atomic
// operation. Transition methods return ErrNotFound, ErrNotActive or
// ErrExtensionLimit when the predicate does not match.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Session, error)

	// CheckIn moves active|alerted -> checked_in and stamps confirmation.
	CheckIn(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error)
	// Extend pushes the deadline forward and, when extending an alerted
	// session, re-arms it: status back to active, alert_sent_at cleared.
	Extend(ctx context.Context, id, userID uuid.UUID, minutes int, now time.Time) (*models.Session, error)
	// Cancel moves active|alerted -> cancelled.
	Cancel(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error)
	// MarkSos moves active|alerted -> sos_triggered.
	MarkSos(ctx context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error)
	// RecordLocation updates the last known position of a live session.
	RecordLocation(ctx context.Context, id, userID uuid.UUID, lat, lng float64, now time.Time) (*models.Session, error)

	// ClaimOverdue atomically claims up to limit sessions matching
	// status=active AND deadline<=now AND alert_sent_at IS NULL, marking
	// them alerted with alert_sent_at=now in the same statement. Two
	// concurrent sweeps never receive the same session.
	ClaimOverdue(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
}

// ContactStore resolves emergency contacts; read-only to the engine.
type ContactStore interface {
	// Primary returns the lowest-priority-number contact that has not
	// opted out, or ErrNoContact.
	Primary(ctx context.Context, userID uuid.UUID) (*models.EmergencyContact, error)
}

// ProfileStore reads user display data (first name, own phone, sharing
// preferences) for message building.
type ProfileStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
}

// DeliveryLog is the append-only SMS outcome log.
type DeliveryLog interface {
	Append(ctx context.Context, entry *models.SmsLog) error
	// HasSentAlert reports whether a sent alert row already exists for the
	// session; the sweep uses it as defence in depth against partial
	// failures of earlier runs.
	HasSentAlert(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// HeartbeatStore records one row per sweep tick.
type HeartbeatStore interface {
	Record(ctx context.Context, hb *models.SweepHeartbeat) error
}

// Dispatcher delivers one message under a retry profile. *sms.Dispatcher
// satisfies it; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, profile retry.Profile, to, body string) sms.DispatchResult
}

// Publisher emits lifecycle events. Implementations must tolerate being
// nil-valued wrappers; event loss is acceptable, alert loss is not.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Identity is what the external identity collaborator vouches for.
type Identity struct {
	UserID        uuid.UUID
	PhoneVerified bool
}
