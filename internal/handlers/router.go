// Package handlers exposes the HTTP surface of the deadman switch.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"safewalk/internal/identity"
	"safewalk/internal/models"
	"safewalk/internal/ratelimit"
	"safewalk/internal/session"
)

// HeartbeatReader exposes the latest sweep heartbeat to operators.
type HeartbeatReader interface {
	Latest(ctx context.Context) (*models.SweepHeartbeat, error)
}

// DeliveryReader lists a user's recent SMS delivery outcomes.
type DeliveryReader interface {
	RecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.SmsLog, error)
}

// Options configures the router.
type Options struct {
	Service    *session.Service
	Identity   identity.Provider
	Heartbeats HeartbeatReader
	Deliveries DeliveryReader
	Logger     zerolog.Logger

	AllowedOrigins []string

	// Per-endpoint limiters; nil disables limiting for that endpoint.
	StartLimiter *ratelimit.Limiter
	SosLimiter   *ratelimit.Limiter
	TestLimiter  *ratelimit.Limiter
}

type Server struct {
	svc        *session.Service
	identity   identity.Provider
	heartbeats HeartbeatReader
	deliveries DeliveryReader
	logger     zerolog.Logger
}

// Router builds the HTTP router with health, readiness, metrics and the
// versioned API routes.
func Router(opts Options) http.Handler {
	s := &Server{
		svc:        opts.Service,
		identity:   opts.Identity,
		heartbeats: opts.Heartbeats,
		deliveries: opts.Deliveries,
		logger:     opts.Logger,
	}

	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Use(httprate.Limit(100, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/sessions", func(r chi.Router) {
			r.With(limit(opts.StartLimiter, "start_session")).Post("/", s.startSession)
			r.Get("/", s.listSessions)
			r.Get("/{id}", s.getSession)
			r.Post("/{id}/checkin", s.checkIn)
			r.Post("/{id}/extend", s.extendSession)
			r.Post("/{id}/cancel", s.cancelSession)
			r.Patch("/{id}/location", s.recordLocation)
		})

		r.With(limit(opts.SosLimiter, "sos")).Post("/sos", s.triggerSos)
		r.With(limit(opts.TestLimiter, "test_sms")).Post("/sms/test", s.sendTestSms)
		r.Get("/sms/logs", s.listDeliveries)

		r.Get("/ops/heartbeat", s.latestHeartbeat)
	})

	return r
}

// limit wraps an endpoint in its rate limiter, or is a no-op without one.
func limit(l *ratelimit.Limiter, endpoint string) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware(endpoint, rateKey)
}
