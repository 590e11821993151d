// Package mirror is the client-side view of a session: a non-authoritative
// read model over the server's {session, status, deadline} snapshot. It
// renders countdown phases and plans best-effort local reminders; it never
// drives alerting, which belongs to the server-side sweep alone.
package mirror

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"safewalk/internal/models"
)

// DefaultGrace is the display tolerance before the server deadline. The
// user's expected return time is deadline minus grace; the server only
// knows the deadline.
const DefaultGrace = 15 * time.Minute

// Phase is a display state. Grace and overdue exist only here: they are
// derived from wall time over an active row and are never persisted.
type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseGrace     Phase = "grace"
	PhaseOverdue   Phase = "overdue"
	PhaseAlerted   Phase = "alerted"
	PhaseCheckedIn Phase = "checked_in"
	PhaseCancelled Phase = "cancelled"
	PhaseSos       Phase = "sos_triggered"
)

// Snapshot is the authoritative server state the mirror reflects.
type Snapshot struct {
	SessionID uuid.UUID
	Status    models.SessionStatus
	Deadline  time.Time
}

// Reduce derives the display phase from a snapshot and wall time. Statuses
// other than active pass through unchanged; an active session splits into
// active, grace and overdue around [deadline-grace, deadline].
func Reduce(snap Snapshot, now time.Time, grace time.Duration) Phase {
	switch snap.Status {
	case models.SessionAlerted:
		return PhaseAlerted
	case models.SessionCheckedIn:
		return PhaseCheckedIn
	case models.SessionCancelled:
		return PhaseCancelled
	case models.SessionSosTriggered:
		return PhaseSos
	}

	limit := snap.Deadline.Add(-grace)
	switch {
	case now.Before(limit):
		return PhaseActive
	case now.Before(snap.Deadline):
		return PhaseGrace
	default:
		return PhaseOverdue
	}
}

// Remaining returns the countdown to show: time until the expected return
// while active, time until the deadline during grace, zero afterwards.
func Remaining(snap Snapshot, now time.Time, grace time.Duration) time.Duration {
	switch Reduce(snap, now, grace) {
	case PhaseActive:
		return snap.Deadline.Add(-grace).Sub(now)
	case PhaseGrace:
		return snap.Deadline.Sub(now)
	default:
		return 0
	}
}

// State holds the last known snapshot. Reconciliation is one rule: the
// server snapshot always wins, whatever the mirror optimistically showed.
type State struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewState() *State {
	return &State{}
}

// Apply replaces the mirrored snapshot unconditionally.
func (s *State) Apply(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	s.snap = &cp
}

// Clear drops the mirrored session, e.g. after it leaves history.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}

// Current returns the mirrored snapshot, if any.
func (s *State) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return *s.snap, true
}

// Phase reduces the current snapshot, or returns false without one.
func (s *State) Phase(now time.Time, grace time.Duration) (Phase, bool) {
	snap, ok := s.Current()
	if !ok {
		return "", false
	}
	return Reduce(snap, now, grace), true
}
