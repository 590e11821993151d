package mirror

import (
	"context"
	"time"

	"github.com/google/uuid"

	"safewalk/internal/models"
)

// Notification is one best-effort local reminder. Delivery is fire and
// forget: a lost reminder costs nothing, the sweep alerts regardless.
type Notification struct {
	SessionID uuid.UUID
	Category  string
	Title     string
	Body      string
	TriggerAt time.Time
}

// Reminder categories, consumed by the UI to pick the tap action.
const (
	CategoryCheckIn         = "check_in"
	CategoryCheckInReminder = "check_in_reminder"
	CategoryGrace           = "grace"
	CategoryOverdue         = "overdue"
)

// followUpDelay separates the second check-in prompt from the first.
const followUpDelay = 10 * time.Minute

// Notifier schedules local notifications on the device.
type Notifier interface {
	Schedule(ctx context.Context, n Notification) error
	CancelAll(ctx context.Context, sessionID uuid.UUID) error
}

// Planner builds the reminder schedule for one session.
type Planner struct {
	Grace time.Duration
}

// Plan returns the reminders still ahead of now: a check-in prompt halfway
// to the expected return, a follow-up ten minutes later, a warning when the
// grace window opens and a final one at the deadline. Sessions past their
// live phases get no reminders.
func (p Planner) Plan(snap Snapshot, now time.Time) []Notification {
	if snap.Status != models.SessionActive {
		return nil
	}
	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	limit := snap.Deadline.Add(-grace)
	midpoint := now.Add(limit.Sub(now) / 2)

	var candidates []Notification
	// The follow-up only makes sense when its parent prompt still fires.
	if midpoint.After(now) {
		candidates = append(candidates,
			Notification{
				SessionID: snap.SessionID,
				Category:  CategoryCheckIn,
				Title:     "Tout va bien ?",
				Body:      "Confirme que tu vas bien ou ajoute 15 minutes.",
				TriggerAt: midpoint,
			},
			Notification{
				SessionID: snap.SessionID,
				Category:  CategoryCheckInReminder,
				Title:     "On confirme que tout va bien ?",
				Body:      "Réponds rapidement pour éviter une alerte.",
				TriggerAt: midpoint.Add(followUpDelay),
			})
	}
	candidates = append(candidates,
		Notification{
			SessionID: snap.SessionID,
			Category:  CategoryGrace,
			Title:     "Heure limite dépassée",
			Body:      "Confirme ton retour avant que l'alerte parte.",
			TriggerAt: limit,
		},
		Notification{
			SessionID: snap.SessionID,
			Category:  CategoryOverdue,
			Title:     "Échéance dépassée",
			Body:      "Ton contact d'urgence va être prévenu.",
			TriggerAt: snap.Deadline,
		})

	var out []Notification
	for _, n := range candidates {
		if n.TriggerAt.After(now) {
			out = append(out, n)
		}
	}
	return out
}

// Reschedule cancels any reminders for the snapshot's session and schedules
// a fresh plan. Errors are returned for logging only; callers must never
// treat a scheduling failure as fatal.
func (p Planner) Reschedule(ctx context.Context, notifier Notifier, snap Snapshot, now time.Time) error {
	if err := notifier.CancelAll(ctx, snap.SessionID); err != nil {
		return err
	}
	for _, n := range p.Plan(snap, now) {
		if err := notifier.Schedule(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
