// Package session implements the session lifecycle state machine and the
// client-facing operations of the deadman switch. Correctness across
// concurrent requests is delegated to storage-level atomicity: the store's
// conditional updates and the ledger's single-statement consume.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"safewalk/internal/ledger"
	"safewalk/internal/models"
	"safewalk/internal/retry"
	"safewalk/internal/sms"
)

const (
	// MaxExtendMinutes bounds a single extension to 24 hours.
	MaxExtendMinutes = 1440

	startedTopic     = "safewalk.sessions.started"
	checkedInTopic   = "safewalk.sessions.checked_in"
	extendedTopic    = "safewalk.sessions.extended"
	cancelledTopic   = "safewalk.sessions.cancelled"
	sosTopic         = "safewalk.sos.triggered"
	historyListLimit = 50
)

// Service wires the stores and collaborators behind the public operations.
type Service struct {
	store      Store
	contacts   ContactStore
	profiles   ProfileStore
	logs       DeliveryLog
	credits    ledger.Ledger
	dispatcher Dispatcher
	bus        Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

// Config collects the Service dependencies.
type Config struct {
	Store      Store
	Contacts   ContactStore
	Profiles   ProfileStore
	Logs       DeliveryLog
	Credits    ledger.Ledger
	Dispatcher Dispatcher
	Bus        Publisher
	Logger     zerolog.Logger
	Now        func() time.Time
}

// NewService validates required collaborators and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Contacts == nil || cfg.Profiles == nil || cfg.Logs == nil {
		return nil, errors.New("session: store, contacts, profiles and logs are required")
	}
	if cfg.Credits == nil || cfg.Dispatcher == nil {
		return nil, errors.New("session: credit ledger and dispatcher are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      cfg.Store,
		contacts:   cfg.Contacts,
		profiles:   cfg.Profiles,
		logs:       cfg.Logs,
		credits:    cfg.Credits,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// StartInput are the caller-supplied parameters for Start.
type StartInput struct {
	Deadline      time.Time
	Note          string
	ShareLocation bool
}

// Start creates a new active session after the verification, contact and
// credit gates pass. One alert credit is consumed up front.
func (s *Service) Start(ctx context.Context, ident Identity, in StartInput) (*models.Session, error) {
	if !ident.PhoneVerified {
		return nil, NewError(CodePhoneNotVerified, "Numéro de téléphone non vérifié.")
	}

	now := s.now()
	if !in.Deadline.After(now) {
		return nil, NewError(CodeInvalidDeadline, "L'échéance doit être dans le futur.")
	}

	if _, err := s.contacts.Primary(ctx, ident.UserID); err != nil {
		if errors.Is(err, ErrNoContact) {
			return nil, NewError(CodeMissingContact, "Aucun contact d'urgence configuré. Veuillez ajouter un contact avant de démarrer.")
		}
		return nil, wrapError(CodeInternal, "lecture des contacts impossible", err)
	}

	dec, err := s.credits.Consume(ctx, ident.UserID, ledger.KindLate)
	if err != nil {
		return nil, wrapError(CodeInternal, "consommation de crédit impossible", err)
	}
	if !dec.Allowed {
		return nil, denialError(dec.Reason)
	}

	sess := &models.Session{
		ID:            uuid.New(),
		UserID:        ident.UserID,
		StartTime:     now,
		Deadline:      in.Deadline,
		Status:        models.SessionActive,
		Note:          in.Note,
		ShareLocation: in.ShareLocation,
		MaxExtensions: models.DefaultMaxExtensions,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, wrapError(CodeInternal, "création de session impossible", err)
	}

	s.publish(ctx, startedTopic, map[string]any{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"deadline":   sess.Deadline,
	})
	s.logger.Info().Stringer("session_id", sess.ID).Time("deadline", sess.Deadline).Msg("session started")

	return sess, nil
}

// CheckIn confirms the user's return; valid from active or alerted.
func (s *Service) CheckIn(ctx context.Context, ident Identity, sessionID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.CheckIn(ctx, sessionID, ident.UserID, s.now())
	if err != nil {
		return nil, transitionError(err, "check-in")
	}

	s.publish(ctx, checkedInTopic, map[string]any{"session_id": sess.ID, "user_id": sess.UserID})
	s.logger.Info().Stringer("session_id", sess.ID).Msg("session checked in")
	return sess, nil
}

// Extend pushes the deadline forward by minutes. Extending an alerted
// session re-arms the deadman switch for one more alert cycle.
func (s *Service) Extend(ctx context.Context, ident Identity, sessionID uuid.UUID, minutes int) (*models.Session, error) {
	if minutes <= 0 {
		return nil, NewError(CodeInvalidInput, "La durée d'extension doit être positive.")
	}
	if minutes > MaxExtendMinutes {
		return nil, NewError(CodeExtensionTooLong, "Impossible de prolonger de plus de 24 heures.")
	}

	sess, err := s.store.Extend(ctx, sessionID, ident.UserID, minutes, s.now())
	if err != nil {
		if errors.Is(err, ErrExtensionLimit) {
			return nil, NewError(CodeExtensionLimit, "Nombre maximal d'extensions atteint.")
		}
		return nil, transitionError(err, "extension")
	}

	s.publish(ctx, extendedTopic, map[string]any{
		"session_id":   sess.ID,
		"user_id":      sess.UserID,
		"new_deadline": sess.Deadline,
	})
	return sess, nil
}

// Cancel terminates the session without alerting.
func (s *Service) Cancel(ctx context.Context, ident Identity, sessionID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.Cancel(ctx, sessionID, ident.UserID, s.now())
	if err != nil {
		return nil, transitionError(err, "annulation")
	}

	s.publish(ctx, cancelledTopic, map[string]any{"session_id": sess.ID, "user_id": sess.UserID})
	return sess, nil
}

// SosResult reports the synchronous SOS dispatch outcome.
type SosResult struct {
	SmsSent    bool
	RetryCount int
}

// TriggerSos dispatches an immediate highest-priority alert to the primary
// contact, independent of any deadline, bypassing the sweep entirely. The
// optional session, when given and still live, is moved to sos_triggered.
func (s *Service) TriggerSos(ctx context.Context, ident Identity, sessionID *uuid.UUID) (SosResult, error) {
	contact, err := s.contacts.Primary(ctx, ident.UserID)
	if err != nil {
		if errors.Is(err, ErrNoContact) {
			return SosResult{}, NewError(CodeMissingContact, "Aucun contact d'urgence configuré.")
		}
		return SosResult{}, wrapError(CodeInternal, "lecture des contacts impossible", err)
	}
	phone := sms.FormatPhone(contact.PhoneNumber)
	if !sms.ValidPhone(phone) {
		return SosResult{}, NewError(CodeInvalidPhone, "Le numéro du contact d'urgence est invalide.")
	}

	dec, err := s.credits.Consume(ctx, ident.UserID, ledger.KindSos)
	if err != nil {
		return SosResult{}, wrapError(CodeInternal, "consommation de crédit impossible", err)
	}
	if !dec.Allowed {
		return SosResult{}, denialError(dec.Reason)
	}

	params := sms.TemplateParams{Now: s.now()}
	if profile, perr := s.profiles.Get(ctx, ident.UserID); perr == nil && profile != nil {
		params.FirstName = profile.FirstName
		params.UserPhone = profile.PhoneNumber
		params.SharePhoneInAlerts = profile.SharePhoneInAlerts
	}

	var sess *models.Session
	if sessionID != nil {
		if got, gerr := s.store.Get(ctx, *sessionID); gerr == nil && got.UserID == ident.UserID {
			sess = got
			if sess.ShareLocation {
				params.Lat, params.Lng = sess.LastLat, sess.LastLng
			}
		}
	}

	res := s.dispatcher.Dispatch(ctx, retry.SOSProfile, phone, sms.BuildSosAlert(params))

	entry := &models.SmsLog{
		UserID:       ident.UserID,
		ContactPhone: phone,
		SmsType:      models.SmsSos,
		Status:       models.SmsSent,
		RetryCount:   res.RetryCount,
		DurationMs:   res.DurationMs,
	}
	if sess != nil {
		entry.SessionID = &sess.ID
	}
	if !res.Success {
		entry.Status = models.SmsFailed
		entry.ErrorMessage = res.ErrorMessage()
	} else {
		entry.ProviderMessageID = res.MessageSID
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("append sos delivery log")
	}

	// The SOS is already delivered (or exhausted); failing to flip the
	// session must not mask that.
	if sess != nil && !sess.Status.Terminal() {
		if _, err := s.store.MarkSos(ctx, sess.ID, ident.UserID, s.now()); err != nil && !errors.Is(err, ErrNotActive) {
			s.logger.Error().Err(err).Stringer("session_id", sess.ID).Msg("mark sos")
		}
	}

	s.publish(ctx, sosTopic, map[string]any{"user_id": ident.UserID, "sms_sent": res.Success})

	if !res.Success {
		return SosResult{RetryCount: res.RetryCount}, wrapError(CodeSmsFailed, "L'envoi du SOS a échoué après plusieurs tentatives.", res.Err)
	}
	return SosResult{SmsSent: true, RetryCount: res.RetryCount}, nil
}

// SendTest sends a configuration-check SMS to the primary contact,
// consuming a test credit.
func (s *Service) SendTest(ctx context.Context, ident Identity) (*models.SmsLog, error) {
	if !ident.PhoneVerified {
		return nil, NewError(CodePhoneNotVerified, "Numéro de téléphone non vérifié.")
	}

	contact, err := s.contacts.Primary(ctx, ident.UserID)
	if err != nil {
		if errors.Is(err, ErrNoContact) {
			return nil, NewError(CodeMissingContact, "Aucun contact d'urgence configuré.")
		}
		return nil, wrapError(CodeInternal, "lecture des contacts impossible", err)
	}
	phone := sms.FormatPhone(contact.PhoneNumber)
	if !sms.ValidPhone(phone) {
		return nil, NewError(CodeInvalidPhone, "Le numéro du contact d'urgence est invalide.")
	}

	dec, err := s.credits.Consume(ctx, ident.UserID, ledger.KindTest)
	if err != nil {
		return nil, wrapError(CodeInternal, "consommation de crédit impossible", err)
	}
	if !dec.Allowed {
		return nil, denialError(dec.Reason)
	}

	params := sms.TemplateParams{Now: s.now()}
	if profile, perr := s.profiles.Get(ctx, ident.UserID); perr == nil && profile != nil {
		params.FirstName = profile.FirstName
	}

	res := s.dispatcher.Dispatch(ctx, retry.AlertProfile, phone, sms.BuildTest(params))

	entry := &models.SmsLog{
		UserID:       ident.UserID,
		ContactPhone: phone,
		SmsType:      models.SmsTest,
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
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("append test delivery log")
	}

	if !res.Success {
		return entry, wrapError(CodeSmsFailed, "L'envoi du SMS de test a échoué.", res.Err)
	}
	return entry, nil
}

// RecordLocation stores the last known position on a live session.
func (s *Service) RecordLocation(ctx context.Context, ident Identity, sessionID uuid.UUID, lat, lng float64) (*models.Session, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, NewError(CodeInvalidInput, "Coordonnées invalides.")
	}
	sess, err := s.store.RecordLocation(ctx, sessionID, ident.UserID, lat, lng, s.now())
	if err != nil {
		return nil, transitionError(err, "mise à jour de position")
	}
	return sess, nil
}

// Get returns a session owned by the caller.
func (s *Service) Get(ctx context.Context, ident Identity, sessionID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(CodeNotFound, "Session introuvable.")
		}
		return nil, wrapError(CodeInternal, "lecture de session impossible", err)
	}
	if sess.UserID != ident.UserID {
		return nil, NewError(CodeNotFound, "Session introuvable.")
	}
	return sess, nil
}

// List returns the caller's session history, most recent first.
func (s *Service) List(ctx context.Context, ident Identity) ([]models.Session, error) {
	sessions, err := s.store.ListByUser(ctx, ident.UserID, historyListLimit)
	if err != nil {
		return nil, wrapError(CodeInternal, "lecture de l'historique impossible", err)
	}
	return sessions, nil
}

func (s *Service) publish(ctx context.Context, subject string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func transitionError(err error, action string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return NewError(CodeNotFound, "Session introuvable.")
	case errors.Is(err, ErrNotActive):
		return NewError(CodeNotActive, fmt.Sprintf("La session n'est plus active, %s impossible.", action))
	default:
		return wrapError(CodeInternal, "transition de session impossible", err)
	}
}
