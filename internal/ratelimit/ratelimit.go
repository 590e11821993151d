// Package ratelimit guards client-facing endpoints with a fixed-window
// counter per (identity, endpoint), backed by Redis. The limiter fails
// OPEN: availability of the safety-critical path outranks strict
// enforcement, so an unreachable counter store allows the request.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Result is the decision for a single request.
type Result struct {
	Allowed      bool
	RequestsMade int
	Remaining    int
	ResetAt      time.Time
}

// Limiter counts requests per (identity, endpoint) in fixed windows.
type Limiter struct {
	client redis.UniversalClient
	logger zerolog.Logger
	limit  int
	window time.Duration
}

// New returns a Limiter allowing limit requests per window. A nil client
// produces a limiter that always allows (and logs that it is passive).
func New(client redis.UniversalClient, limit int, window time.Duration, logger zerolog.Logger) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, logger: logger, limit: limit, window: window}
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func (l *Limiter) key(identity, endpoint string, start time.Time) string {
	return fmt.Sprintf("safewalk:rl:%s:%s:%d", endpoint, identity, start.Unix())
}

func failOpen(now time.Time, window time.Duration) Result {
	return Result{Allowed: true, Remaining: -1, ResetAt: windowStart(now, window).Add(window)}
}

// Check records the request in the current window and decides whether it
// is allowed. Infrastructure errors allow the request, as does a nil
// limiter or a limiter without a backing store.
func (l *Limiter) Check(ctx context.Context, identity, endpoint string) Result {
	now := time.Now()
	if l == nil {
		return failOpen(now, time.Minute)
	}
	if l.client == nil {
		return failOpen(now, l.window)
	}

	start := windowStart(now, l.window)
	key := l.key(identity, endpoint, start)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("rate limit store unavailable, failing open")
		return failOpen(now, l.window)
	}
	if count == 1 {
		// First hit in the window owns the expiry. Extra margin keeps the
		// key around briefly for inspection.
		_ = l.client.Expire(ctx, key, l.window+30*time.Second).Err()
	}

	made := int(count)
	remaining := l.limit - made
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:      made <= l.limit,
		RequestsMade: made,
		Remaining:    remaining,
		ResetAt:      start.Add(l.window),
	}
}

// Log records the decision so both allowed and blocked requests are
// auditable. Called after Check regardless of outcome.
func (l *Limiter) Log(ctx context.Context, identity, endpoint string, res Result) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("endpoint", endpoint).
		Str("identity", identity).
		Bool("allowed", res.Allowed).
		Int("requests_made", res.RequestsMade).
		Int("remaining", res.Remaining).
		Time("reset_at", res.ResetAt).
		Msg("rate limit decision")
}

func deny(w http.ResponseWriter, res Result) {
	retryAfter := int(time.Until(res.ResetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"success":false,"errorCode":"rate_limit_exceeded","message":"Trop de requêtes. Veuillez réessayer plus tard.","retryAfter":%d}`, retryAfter)
}

// Middleware enforces the limiter on an endpoint. identityFn names the
// caller (user id when authenticated, remote IP otherwise).
func (l *Limiter) Middleware(endpoint string, identityFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFn(r)
			res := l.Check(r.Context(), identity, endpoint)
			l.Log(r.Context(), identity, endpoint, res)

			if !res.Allowed {
				deny(w, res)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
