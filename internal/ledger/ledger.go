// Package ledger gates metered alert sending. Consume is the only write
// path: one conditional UPDATE checks verification, daily quota and
// credits and decrements in the same statement, so concurrent callers can
// never interleave a check with a stale write. The ledger fails CLOSED:
// on infrastructure error the send is denied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind is the credit class a send consumes.
type Kind string

const (
	KindLate Kind = "late"
	KindSos  Kind = "sos"
	KindTest Kind = "test"
)

// Reason explains a denial with a stable code the client maps to UI.
type Reason string

const (
	ReasonAllowed          Reason = ""
	ReasonPhoneNotVerified Reason = "phone_not_verified"
	ReasonQuotaReached     Reason = "quota_reached"
	ReasonNoCredits        Reason = "no_credits"
	ReasonProfileNotFound  Reason = "profile_not_found"
)

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed          bool
	Reason           Reason
	RemainingCredits int
}

// Ledger is the port the session service and the sweeper consume against.
type Ledger interface {
	Consume(ctx context.Context, userID uuid.UUID, kind Kind) (Decision, error)
}

// querier is the slice of pgxpool.Pool the ledger touches. Tests stub it
// to drive Consume through its denial branches without a database.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements Ledger on a pgx pool.
type Store struct {
	db querier
}

// NewStore returns a pgx-backed ledger.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

const consumeTimeout = 5 * time.Second

// Alert and SOS sends draw from the alert credit pool; test SMS from the
// test pool. Both count against the daily send quota, which rolls over
// when quota_day falls behind the current date.
const consumeAlertSQL = `
UPDATE profiles SET
    sends_today = CASE WHEN quota_day < CURRENT_DATE THEN 1 ELSE sends_today + 1 END,
    quota_day = CURRENT_DATE,
    free_alert_credits = CASE WHEN subscription_active THEN free_alert_credits ELSE free_alert_credits - 1 END,
    updated_at = now()
WHERE user_id = $1
  AND phone_verified
  AND (CASE WHEN quota_day < CURRENT_DATE THEN 0 ELSE sends_today END) < daily_quota
  AND (subscription_active OR free_alert_credits > 0)
RETURNING free_alert_credits AS remaining;
`

const consumeTestSQL = `
UPDATE profiles SET
    sends_today = CASE WHEN quota_day < CURRENT_DATE THEN 1 ELSE sends_today + 1 END,
    quota_day = CURRENT_DATE,
    free_test_credits = CASE WHEN subscription_active THEN free_test_credits ELSE free_test_credits - 1 END,
    updated_at = now()
WHERE user_id = $1
  AND phone_verified
  AND (CASE WHEN quota_day < CURRENT_DATE THEN 0 ELSE sends_today END) < daily_quota
  AND (subscription_active OR free_test_credits > 0)
RETURNING free_test_credits AS remaining;
`

const diagnoseSQL = `
SELECT phone_verified, subscription_active, free_alert_credits, free_test_credits,
       (CASE WHEN quota_day < CURRENT_DATE THEN 0 ELSE sends_today END) AS sends_today,
       daily_quota
FROM profiles
WHERE user_id = $1;
`

type profileSnapshot struct {
	PhoneVerified      bool `db:"phone_verified"`
	SubscriptionActive bool `db:"subscription_active"`
	FreeAlertCredits   int  `db:"free_alert_credits"`
	FreeTestCredits    int  `db:"free_test_credits"`
	SendsToday         int  `db:"sends_today"`
	DailyQuota         int  `db:"daily_quota"`
}

// Consume atomically checks and decrements the user's budget for one send
// of the given kind. A zero-row update means some precondition failed; a
// follow-up read maps it to a stable reason. The read is diagnostic only,
// the UPDATE alone decides.
func (s *Store) Consume(ctx context.Context, userID uuid.UUID, kind Kind) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, consumeTimeout)
	defer cancel()

	query := consumeAlertSQL
	if kind == KindTest {
		query = consumeTestSQL
	}

	var remaining int
	err := s.db.QueryRow(ctx, query, userID).Scan(&remaining)
	if err == nil {
		return Decision{Allowed: true, RemainingCredits: remaining}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, fmt.Errorf("consume credit: %w", err)
	}

	var snap profileSnapshot
	if err := pgxscan.Get(ctx, s.db, &snap, diagnoseSQL, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Decision{Reason: ReasonProfileNotFound}, nil
		}
		return Decision{}, fmt.Errorf("diagnose denial: %w", err)
	}

	return Decision{Reason: denialReason(snap, kind)}, nil
}

func denialReason(snap profileSnapshot, kind Kind) Reason {
	if !snap.PhoneVerified {
		return ReasonPhoneNotVerified
	}
	if snap.SendsToday >= snap.DailyQuota {
		return ReasonQuotaReached
	}
	credits := snap.FreeAlertCredits
	if kind == KindTest {
		credits = snap.FreeTestCredits
	}
	if !snap.SubscriptionActive && credits <= 0 {
		return ReasonNoCredits
	}
	// The update raced with another consumer; treat as quota pressure.
	return ReasonQuotaReached
}
