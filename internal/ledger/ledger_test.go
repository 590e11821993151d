package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Column order of the diagnostic SELECT.
var snapshotColumns = []string{
	"phone_verified", "subscription_active", "free_alert_credits",
	"free_test_credits", "sends_today", "daily_quota",
}

type stubRow struct {
	remaining int
	err       error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.remaining
	return nil
}

// stubRows replays canned profile rows through the pgx.Rows interface so
// pgxscan drives the diagnostic read the same way it would against the
// real pool.
type stubRows struct {
	cols []string
	rows [][]any
	idx  int
}

func (r *stubRows) Close()                        {}
func (r *stubRows) Err() error                    { return nil }
func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.cols))
	for i, col := range r.cols {
		fds[i].Name = col
	}
	return fds
}

func (r *stubRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *bool:
			*v = row[i].(bool)
		case *int:
			*v = row[i].(int)
		default:
			return fmt.Errorf("unexpected scan target %T", d)
		}
	}
	return nil
}

func (r *stubRows) Values() ([]any, error) { return nil, nil }
func (r *stubRows) RawValues() [][]byte    { return nil }
func (r *stubRows) Conn() *pgx.Conn        { return nil }

// stubQuerier stands in for the pool: QueryRow serves the conditional
// UPDATE, Query serves the diagnostic SELECT.
type stubQuerier struct {
	remaining   int
	updateErr   error
	snap        *profileSnapshot
	diagnoseErr error
	updateSQL   string
}

func (q *stubQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.updateSQL = sql
	return stubRow{remaining: q.remaining, err: q.updateErr}
}

func (q *stubQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if q.diagnoseErr != nil {
		return nil, q.diagnoseErr
	}
	rows := &stubRows{cols: snapshotColumns}
	if q.snap != nil {
		rows.rows = [][]any{{
			q.snap.PhoneVerified, q.snap.SubscriptionActive, q.snap.FreeAlertCredits,
			q.snap.FreeTestCredits, q.snap.SendsToday, q.snap.DailyQuota,
		}}
	}
	return rows, nil
}

func TestConsumeAllowsAndReportsRemaining(t *testing.T) {
	q := &stubQuerier{remaining: 4}
	s := &Store{db: q}

	dec, err := s.Consume(context.Background(), uuid.New(), KindLate)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !dec.Allowed || dec.RemainingCredits != 4 {
		t.Fatalf("decision = %+v, want allowed with 4 remaining", dec)
	}
	if dec.Reason != ReasonAllowed {
		t.Fatalf("Reason = %q, want empty", dec.Reason)
	}
}

func TestConsumeSelectsCreditPoolByKind(t *testing.T) {
	tests := []struct {
		kind Kind
		pool string
	}{
		{KindLate, "free_alert_credits"},
		{KindSos, "free_alert_credits"},
		{KindTest, "free_test_credits"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			q := &stubQuerier{remaining: 1}
			s := &Store{db: q}
			if _, err := s.Consume(context.Background(), uuid.New(), tt.kind); err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if !strings.Contains(q.updateSQL, tt.pool+" = CASE") {
				t.Fatalf("%s consume did not decrement %s:\n%s", tt.kind, tt.pool, q.updateSQL)
			}
		})
	}
}

func TestConsumeMapsZeroRowToDenialReason(t *testing.T) {
	tests := []struct {
		name string
		snap profileSnapshot
		kind Kind
		want Reason
	}{
		{
			name: "unverified phone",
			snap: profileSnapshot{FreeAlertCredits: 5, DailyQuota: 10},
			kind: KindLate,
			want: ReasonPhoneNotVerified,
		},
		{
			name: "quota exhausted",
			snap: profileSnapshot{PhoneVerified: true, FreeAlertCredits: 5, SendsToday: 10, DailyQuota: 10},
			kind: KindLate,
			want: ReasonQuotaReached,
		},
		{
			name: "out of alert credits",
			snap: profileSnapshot{PhoneVerified: true, SendsToday: 1, DailyQuota: 10},
			kind: KindSos,
			want: ReasonNoCredits,
		},
		{
			name: "out of test credits",
			snap: profileSnapshot{PhoneVerified: true, FreeAlertCredits: 3, DailyQuota: 10},
			kind: KindTest,
			want: ReasonNoCredits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := tt.snap
			q := &stubQuerier{updateErr: pgx.ErrNoRows, snap: &snap}
			s := &Store{db: q}

			dec, err := s.Consume(context.Background(), uuid.New(), tt.kind)
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if dec.Allowed {
				t.Fatal("zero-row update must deny")
			}
			if dec.Reason != tt.want {
				t.Fatalf("Reason = %q, want %q", dec.Reason, tt.want)
			}
		})
	}
}

func TestConsumeMissingProfile(t *testing.T) {
	q := &stubQuerier{updateErr: pgx.ErrNoRows}
	s := &Store{db: q}

	dec, err := s.Consume(context.Background(), uuid.New(), KindLate)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonProfileNotFound {
		t.Fatalf("decision = %+v, want profile_not_found denial", dec)
	}
}

func TestConsumeFailsClosedOnUpdateError(t *testing.T) {
	q := &stubQuerier{updateErr: errors.New("connection refused")}
	s := &Store{db: q}

	dec, err := s.Consume(context.Background(), uuid.New(), KindLate)
	if err == nil {
		t.Fatal("infrastructure error must surface")
	}
	if dec.Allowed {
		t.Fatal("infrastructure error must not allow the send")
	}
}

func TestConsumeFailsClosedOnDiagnoseError(t *testing.T) {
	q := &stubQuerier{updateErr: pgx.ErrNoRows, diagnoseErr: errors.New("connection refused")}
	s := &Store{db: q}

	dec, err := s.Consume(context.Background(), uuid.New(), KindLate)
	if err == nil {
		t.Fatal("diagnose error must surface")
	}
	if dec.Allowed {
		t.Fatal("diagnose error must not allow the send")
	}
}

// Keep NewStore accepting the concrete pool type.
var _ Ledger = NewStore((*pgxpool.Pool)(nil))

func TestDenialReason(t *testing.T) {
	tests := []struct {
		name string
		snap profileSnapshot
		kind Kind
		want Reason
	}{
		{
			name: "unverified phone wins",
			snap: profileSnapshot{PhoneVerified: false, FreeAlertCredits: 5, DailyQuota: 10},
			kind: KindLate,
			want: ReasonPhoneNotVerified,
		},
		{
			name: "quota exhausted",
			snap: profileSnapshot{PhoneVerified: true, FreeAlertCredits: 5, SendsToday: 10, DailyQuota: 10},
			kind: KindLate,
			want: ReasonQuotaReached,
		},
		{
			name: "no alert credits",
			snap: profileSnapshot{PhoneVerified: true, FreeAlertCredits: 0, SendsToday: 1, DailyQuota: 10},
			kind: KindSos,
			want: ReasonNoCredits,
		},
		{
			name: "no test credits",
			snap: profileSnapshot{PhoneVerified: true, FreeAlertCredits: 3, FreeTestCredits: 0, DailyQuota: 10},
			kind: KindTest,
			want: ReasonNoCredits,
		},
		{
			name: "subscriber without credits is not denied for credits",
			snap: profileSnapshot{PhoneVerified: true, SubscriptionActive: true, SendsToday: 2, DailyQuota: 10},
			kind: KindLate,
			want: ReasonQuotaReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := denialReason(tt.snap, tt.kind); got != tt.want {
				t.Fatalf("denialReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
