// Package sweep runs the overdue scheduler: the server-side authority that
// turns missed deadlines into SMS alerts. A tick claims a bounded batch of
// overdue sessions, then works through them one by one; a failure on one
// session never blocks the rest of the batch.
package sweep

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"safewalk/internal/ledger"
	"safewalk/internal/models"
	"safewalk/internal/retry"
	"safewalk/internal/session"
	"safewalk/internal/sms"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 50
)

var (
	tickCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safewalk_sweep_ticks_total",
		Help: "Completed sweep ticks.",
	})
	alertsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safewalk_sweep_alerts_sent_total",
		Help: "Deadline alerts delivered to the SMS gateway.",
	})
	alertsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safewalk_sweep_alerts_failed_total",
		Help: "Claimed sessions whose alert could not be delivered.",
	})
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safewalk_sweep_tick_seconds",
		Help:    "Wall time of one sweep tick.",
		Buckets: prometheus.DefBuckets,
	})
)

// Config collects the Sweeper dependencies. Interval and BatchSize fall
// back to defaults when zero.
type Config struct {
	Store      session.Store
	Contacts   session.ContactStore
	Profiles   session.ProfileStore
	Logs       session.DeliveryLog
	Heartbeats session.HeartbeatStore
	Credits    ledger.Ledger
	Dispatcher session.Dispatcher

	Interval  time.Duration
	BatchSize int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Sweeper struct {
	cfg Config
}

func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{cfg: cfg}
}

// Run ticks until the context is cancelled. The first tick fires after one
// full interval; each tick is bounded by the interval so a slow database or
// gateway cannot make ticks pile up.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.cfg.Logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("sweep scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info().Msg("sweep scheduler stopped")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
			s.Tick(tickCtx)
			cancel()
		}
	}
}

// Outcome summarizes one tick.
type Outcome struct {
	Processed int
	Sent      int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
}

// Tick claims one batch of overdue sessions and dispatches their alerts.
// Also callable directly for a one-shot sweep from the CLI.
func (s *Sweeper) Tick(ctx context.Context) Outcome {
	started := s.cfg.Now()

	var out Outcome
	claimed, err := s.cfg.Store.ClaimOverdue(ctx, started, s.cfg.BatchSize)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("claim overdue sessions")
		s.finish(ctx, started, &out, err)
		return out
	}

	for i := range claimed {
		sess := &claimed[i]
		out.Processed++
		switch s.alert(ctx, sess) {
		case alertSent:
			out.Sent++
			alertsSent.Inc()
		case alertSkipped:
			out.Skipped++
		case alertFailed:
			out.Failed++
			alertsFailed.Inc()
		}
	}

	s.finish(ctx, started, &out, nil)
	return out
}

func (s *Sweeper) finish(ctx context.Context, started time.Time, out *Outcome, tickErr error) {
	out.Elapsed = s.cfg.Now().Sub(started)
	tickCounter.Inc()
	tickDuration.Observe(out.Elapsed.Seconds())

	if out.Processed > 0 || tickErr != nil {
		s.cfg.Logger.Info().
			Int("processed", out.Processed).
			Int("sent", out.Sent).
			Int("failed", out.Failed).
			Int("skipped", out.Skipped).
			Dur("elapsed", out.Elapsed).
			Msg("sweep tick")
	}

	if s.cfg.Heartbeats == nil {
		return
	}
	meta := map[string]any{"elapsed_ms": out.Elapsed.Milliseconds()}
	if tickErr != nil {
		meta["error"] = tickErr.Error()
	}
	raw, _ := json.Marshal(meta)
	hb := &models.SweepHeartbeat{
		Processed: out.Processed,
		Sent:      out.Sent,
		Failed:    out.Failed,
		Meta:      raw,
	}
	if err := s.cfg.Heartbeats.Record(ctx, hb); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("record sweep heartbeat")
	}
}

type alertResult int

const (
	alertSent alertResult = iota
	alertSkipped
	alertFailed
)

// alert delivers the deadline alert for one claimed session. The claim
// already flipped the row to alerted, so everything here is at-most-once:
// a crash after the claim loses the alert rather than duplicating it, and
// the delivery log re-check below covers retried batches from before the
// claim was made atomic.
func (s *Sweeper) alert(ctx context.Context, sess *models.Session) alertResult {
	logger := s.cfg.Logger.With().Stringer("session_id", sess.ID).Logger()

	if sent, err := s.cfg.Logs.HasSentAlert(ctx, sess.ID); err != nil {
		logger.Error().Err(err).Msg("check delivery log")
	} else if sent {
		logger.Info().Msg("alert already logged, skipping")
		return alertSkipped
	}

	contact, err := s.cfg.Contacts.Primary(ctx, sess.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("no dispatchable contact")
		s.logFailure(ctx, sess, "", "no emergency contact")
		return alertFailed
	}
	phone := sms.FormatPhone(contact.PhoneNumber)
	if !sms.ValidPhone(phone) {
		logger.Error().Str("phone", contact.PhoneNumber).Msg("contact phone not E.164")
		s.logFailure(ctx, sess, contact.PhoneNumber, "invalid contact phone")
		return alertFailed
	}

	dec, err := s.cfg.Credits.Consume(ctx, sess.UserID, ledger.KindLate)
	if err != nil {
		logger.Error().Err(err).Msg("consume alert credit")
		s.logFailure(ctx, sess, phone, "credit consume error")
		return alertFailed
	}
	if !dec.Allowed {
		logger.Warn().Str("reason", string(dec.Reason)).Msg("alert credit denied")
		s.logFailure(ctx, sess, phone, "credit denied: "+string(dec.Reason))
		return alertFailed
	}

	params := sms.TemplateParams{
		Deadline: sess.Deadline,
		Now:      s.cfg.Now(),
	}
	if profile, perr := s.cfg.Profiles.Get(ctx, sess.UserID); perr == nil && profile != nil {
		params.FirstName = profile.FirstName
		params.UserPhone = profile.PhoneNumber
		params.SharePhoneInAlerts = profile.SharePhoneInAlerts
	}
	if sess.ShareLocation {
		params.Lat, params.Lng = sess.LastLat, sess.LastLng
	}

	res := s.cfg.Dispatcher.Dispatch(ctx, retry.AlertProfile, phone, sms.BuildLateAlert(params))

	entry := &models.SmsLog{
		SessionID:    &sess.ID,
		UserID:       sess.UserID,
		ContactPhone: phone,
		SmsType:      models.SmsAlert,
		Status:       models.SmsSent,
		RetryCount:   res.RetryCount,
		DurationMs:   res.DurationMs,
	}
	if !res.Success {
		entry.Status = models.SmsFailed
		entry.ErrorMessage = res.ErrorMessage()
	} else {
		entry.ProviderMessageID = res.MessageSID
	}
	if err := s.cfg.Logs.Append(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("append alert delivery log")
	}

	if !res.Success {
		return alertFailed
	}
	return alertSent
}

func (s *Sweeper) logFailure(ctx context.Context, sess *models.Session, phone, reason string) {
	entry := &models.SmsLog{
		SessionID:    &sess.ID,
		UserID:       sess.UserID,
		ContactPhone: phone,
		SmsType:      models.SmsAlert,
		Status:       models.SmsFailed,
		ErrorMessage: reason,
	}
	if err := s.cfg.Logs.Append(ctx, entry); err != nil {
		s.cfg.Logger.Error().Err(err).Stringer("session_id", sess.ID).Msg("append failure log")
	}
}
