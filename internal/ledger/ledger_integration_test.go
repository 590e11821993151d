//go:build integration

package ledger

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests exercise the conditional UPDATE against a real Postgres,
// because the concurrency guarantee lives in the statement itself. Run
// with:
//
//	TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/ledger
const profilesDDL = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id uuid PRIMARY KEY,
	phone_verified boolean NOT NULL DEFAULT false,
	subscription_active boolean NOT NULL DEFAULT false,
	free_alert_credits integer NOT NULL DEFAULT 0,
	free_test_credits integer NOT NULL DEFAULT 0,
	sends_today integer NOT NULL DEFAULT 0,
	quota_day date NOT NULL DEFAULT CURRENT_DATE,
	daily_quota integer NOT NULL DEFAULT 10,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, profilesDDL); err != nil {
		t.Fatalf("create profiles table: %v", err)
	}
	return pool
}

func seedProfile(t *testing.T, pool *pgxpool.Pool, subscribed bool, credits, sendsToday, quota int, quotaDay time.Time) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx, `
		INSERT INTO profiles (user_id, phone_verified, subscription_active,
			free_alert_credits, free_test_credits, sends_today, quota_day, daily_quota)
		VALUES ($1, true, $2, $3, $3, $4, $5, $6)`,
		userID, subscribed, credits, sendsToday, quotaDay, quota)
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM profiles WHERE user_id = $1`, userID)
	})
	return userID
}

func hammerConsume(t *testing.T, s *Store, userID uuid.UUID, workers, attempts int) int64 {
	t.Helper()
	var allowed int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				dec, err := s.Consume(context.Background(), userID, KindLate)
				if err != nil {
					t.Errorf("Consume: %v", err)
					return
				}
				if dec.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()
	return atomic.LoadInt64(&allowed)
}

func TestConsumeConcurrentNeverOverdraws(t *testing.T) {
	pool := integrationPool(t)
	userID := seedProfile(t, pool, false, 5, 0, 100, time.Now())
	s := NewStore(pool)

	allowed := hammerConsume(t, s, userID, 8, 5)
	if allowed != 5 {
		t.Fatalf("allowed %d sends with 5 credits", allowed)
	}

	var remaining, sends int
	err := pool.QueryRow(context.Background(),
		`SELECT free_alert_credits, sends_today FROM profiles WHERE user_id = $1`, userID).
		Scan(&remaining, &sends)
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if remaining != 0 || sends != 5 {
		t.Fatalf("credits = %d, sends_today = %d, want 0 and 5", remaining, sends)
	}
}

func TestConsumeConcurrentHonoursDailyQuota(t *testing.T) {
	pool := integrationPool(t)
	userID := seedProfile(t, pool, true, 0, 0, 3, time.Now())
	s := NewStore(pool)

	allowed := hammerConsume(t, s, userID, 6, 2)
	if allowed != 3 {
		t.Fatalf("allowed %d sends with a quota of 3", allowed)
	}
}

func TestConsumeRollsQuotaOverAtMidnight(t *testing.T) {
	pool := integrationPool(t)
	// Yesterday's counter sits at the quota; a new day resets it.
	userID := seedProfile(t, pool, true, 0, 10, 10, time.Now().AddDate(0, 0, -1))
	s := NewStore(pool)

	dec, err := s.Consume(context.Background(), userID, KindLate)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("decision = %+v, want allowed after rollover", dec)
	}

	var sends int
	if err := pool.QueryRow(context.Background(),
		`SELECT sends_today FROM profiles WHERE user_id = $1`, userID).Scan(&sends); err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if sends != 1 {
		t.Fatalf("sends_today = %d, want 1 after rollover", sends)
	}
}
