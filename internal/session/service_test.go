package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"safewalk/internal/ledger"
	"safewalk/internal/models"
	"safewalk/internal/retry"
	"safewalk/internal/sms"
)

// memStore mirrors the conditional-update semantics of the postgres store.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (m *memStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, _ int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) live(id, userID uuid.UUID) (*models.Session, error) {
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID {
		return nil, ErrNotFound
	}
	if s.Status != models.SessionActive && s.Status != models.SessionAlerted {
		return nil, ErrNotActive
	}
	return s, nil
}

func (m *memStore) CheckIn(_ context.Context, id, userID uuid.UUID, now time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionCheckedIn
	s.ConfirmedAt = &now
	cp := *s
	return &cp, nil
}

func (m *memStore) Extend(_ context.Context, id, userID uuid.UUID, minutes int, _ time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	if s.ExtensionsCount >= s.MaxExtensions {
		return nil, ErrExtensionLimit
	}
	s.Deadline = s.Deadline.Add(time.Duration(minutes) * time.Minute)
	s.ExtensionsCount++
	if s.Status == models.SessionAlerted {
		s.Status = models.SessionActive
		s.AlertSentAt = nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Cancel(_ context.Context, id, userID uuid.UUID, _ time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionCancelled
	cp := *s
	return &cp, nil
}

func (m *memStore) MarkSos(_ context.Context, id, userID uuid.UUID, _ time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionSosTriggered
	cp := *s
	return &cp, nil
}

func (m *memStore) RecordLocation(_ context.Context, id, userID uuid.UUID, lat, lng float64, now time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	s.LastLat, s.LastLng, s.LastSeenAt = &lat, &lng, &now
	cp := *s
	return &cp, nil
}

func (m *memStore) ClaimOverdue(_ context.Context, now time.Time, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []models.Session
	for _, s := range m.sessions {
		if len(claimed) >= limit {
			break
		}
		if s.Status == models.SessionActive && !s.Deadline.After(now) && s.AlertSentAt == nil {
			at := now
			s.Status = models.SessionAlerted
			s.AlertSentAt = &at
			claimed = append(claimed, *s)
		}
	}
	return claimed, nil
}

type memContacts struct {
	contacts map[uuid.UUID][]models.EmergencyContact
}

func (m *memContacts) Primary(_ context.Context, userID uuid.UUID) (*models.EmergencyContact, error) {
	best := (*models.EmergencyContact)(nil)
	for i := range m.contacts[userID] {
		c := &m.contacts[userID][i]
		if c.OptedOut {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoContact
	}
	cp := *best
	return &cp, nil
}

type memProfiles struct {
	profiles map[uuid.UUID]*models.Profile
}

func (m *memProfiles) Get(_ context.Context, userID uuid.UUID) (*models.Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []models.SmsLog
}

func (m *memLogs) Append(_ context.Context, entry *models.SmsLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memLogs) HasSentAlert(_ context.Context, sessionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.SessionID != nil && *e.SessionID == sessionID && e.SmsType == models.SmsAlert && e.Status == models.SmsSent {
			return true, nil
		}
	}
	return false, nil
}

// memLedger enforces quota monotonicity under concurrent consumers.
type memLedger struct {
	mu       sync.Mutex
	verified bool
	credits  int
	testCred int
	quota    int
	sends    int
	consumed []ledger.Kind
}

func (m *memLedger) Consume(_ context.Context, _ uuid.UUID, kind ledger.Kind) (ledger.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.verified {
		return ledger.Decision{Reason: ledger.ReasonPhoneNotVerified}, nil
	}
	if m.sends >= m.quota {
		return ledger.Decision{Reason: ledger.ReasonQuotaReached}, nil
	}
	pool := &m.credits
	if kind == ledger.KindTest {
		pool = &m.testCred
	}
	if *pool <= 0 {
		return ledger.Decision{Reason: ledger.ReasonNoCredits}, nil
	}
	*pool--
	m.sends++
	m.consumed = append(m.consumed, kind)
	return ledger.Decision{Allowed: true, RemainingCredits: *pool}, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	profiles []retry.Profile
	fail     bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, profile retry.Profile, to, _ string) sms.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to)
	f.profiles = append(f.profiles, profile)
	if f.fail {
		return sms.DispatchResult{Err: errors.New("gateway down"), RetryCount: 3}
	}
	return sms.DispatchResult{Success: true, MessageSID: "SM1", RetryCount: 0}
}

type fixture struct {
	svc      *Service
	store    *memStore
	led      *memLedger
	logs     *memLogs
	disp     *fakeDispatcher
	contacts *memContacts
	ident    Identity
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	userID := uuid.New()
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	store := newMemStore()
	led := &memLedger{verified: true, credits: 3, testCred: 2, quota: 10}
	logs := &memLogs{}
	disp := &fakeDispatcher{}
	contacts := &memContacts{contacts: map[uuid.UUID][]models.EmergencyContact{
		userID: {{UserID: userID, Name: "Alice", PhoneNumber: "+33612345678", Priority: 1}},
	}}

	svc, err := NewService(Config{
		Store:    store,
		Contacts: contacts,
		Profiles: &memProfiles{profiles: map[uuid.UUID]*models.Profile{
			userID: {UserID: userID, FirstName: "Léa", PhoneVerified: true},
		}},
		Logs:       logs,
		Credits:    led,
		Dispatcher: disp,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return &fixture{
		svc:      svc,
		store:    store,
		led:      led,
		logs:     logs,
		disp:     disp,
		contacts: contacts,
		ident:    Identity{UserID: userID, PhoneVerified: true},
		now:      now,
	}
}

func (f *fixture) start(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.svc.Start(context.Background(), f.ident, StartInput{Deadline: f.now.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess
}

func TestStartCreatesActiveSessionAndConsumesCredit(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	if sess.Status != models.SessionActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}
	if f.led.credits != 2 {
		t.Fatalf("credits = %d, want 2 (one consumed)", f.led.credits)
	}
	if len(f.led.consumed) != 1 || f.led.consumed[0] != ledger.KindLate {
		t.Fatalf("consumed = %v, want [late]", f.led.consumed)
	}
}

func TestStartDeniedWithoutCredits(t *testing.T) {
	f := newFixture(t)
	f.led.credits = 0

	_, err := f.svc.Start(context.Background(), f.ident, StartInput{Deadline: f.now.Add(time.Hour)})
	if CodeOf(err) != CodeNoCredits {
		t.Fatalf("code = %q, want no_credits (err %v)", CodeOf(err), err)
	}
	if n := len(f.store.sessions); n != 0 {
		t.Fatalf("sessions created = %d, want 0", n)
	}
}

func TestStartRejectsUnverifiedPhone(t *testing.T) {
	f := newFixture(t)
	ident := f.ident
	ident.PhoneVerified = false

	_, err := f.svc.Start(context.Background(), ident, StartInput{Deadline: f.now.Add(time.Hour)})
	if CodeOf(err) != CodePhoneNotVerified {
		t.Fatalf("code = %q, want phone_not_verified", CodeOf(err))
	}
}

func TestStartRejectsPastDeadline(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Start(context.Background(), f.ident, StartInput{Deadline: f.now.Add(-time.Minute)})
	if CodeOf(err) != CodeInvalidDeadline {
		t.Fatalf("code = %q, want invalid_deadline", CodeOf(err))
	}
}

func TestStartRequiresContact(t *testing.T) {
	f := newFixture(t)
	ident := Identity{UserID: uuid.New(), PhoneVerified: true}

	_, err := f.svc.Start(context.Background(), ident, StartInput{Deadline: f.now.Add(time.Hour)})
	if CodeOf(err) != CodeMissingContact {
		t.Fatalf("code = %q, want missing_contact", CodeOf(err))
	}
}

func TestCheckInTerminalSessionFails(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	if _, err := f.svc.CheckIn(context.Background(), f.ident, sess.ID); err != nil {
		t.Fatalf("first check-in: %v", err)
	}
	_, err := f.svc.CheckIn(context.Background(), f.ident, sess.ID)
	if CodeOf(err) != CodeNotActive {
		t.Fatalf("code = %q, want session_not_active", CodeOf(err))
	}
}

func TestExtendBounds(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	if _, err := f.svc.Extend(context.Background(), f.ident, sess.ID, 0); CodeOf(err) != CodeInvalidInput {
		t.Fatalf("zero minutes: code = %q, want invalid_input", CodeOf(err))
	}
	if _, err := f.svc.Extend(context.Background(), f.ident, sess.ID, MaxExtendMinutes+1); CodeOf(err) != CodeExtensionTooLong {
		t.Fatalf("oversized: code = %q, want extension_too_long", CodeOf(err))
	}

	for i := 0; i < models.DefaultMaxExtensions; i++ {
		if _, err := f.svc.Extend(context.Background(), f.ident, sess.ID, 30); err != nil {
			t.Fatalf("extend %d: %v", i+1, err)
		}
	}
	_, err := f.svc.Extend(context.Background(), f.ident, sess.ID, 30)
	if CodeOf(err) != CodeExtensionLimit {
		t.Fatalf("code = %q, want extension_limit", CodeOf(err))
	}
}

func TestExtendAfterAlertRearms(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	// Simulate the sweep having alerted the session.
	f.store.mu.Lock()
	stored := f.store.sessions[sess.ID]
	at := f.now
	stored.Status = models.SessionAlerted
	stored.AlertSentAt = &at
	f.store.mu.Unlock()

	extended, err := f.svc.Extend(context.Background(), f.ident, sess.ID, 60)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if extended.Status != models.SessionActive {
		t.Fatalf("status = %q, want active after re-arm", extended.Status)
	}
	if extended.AlertSentAt != nil {
		t.Fatal("AlertSentAt must be cleared so a later overdue period can alert again")
	}
}

func TestTriggerSosDispatchesImmediately(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	res, err := f.svc.TriggerSos(context.Background(), f.ident, &sess.ID)
	if err != nil {
		t.Fatalf("TriggerSos: %v", err)
	}
	if !res.SmsSent {
		t.Fatal("expected SMS sent")
	}
	if len(f.disp.profiles) != 1 || f.disp.profiles[0] != retry.SOSProfile {
		t.Fatalf("dispatch profile = %+v, want SOS profile", f.disp.profiles)
	}
	if got, _ := f.store.Get(context.Background(), sess.ID); got.Status != models.SessionSosTriggered {
		t.Fatalf("session status = %q, want sos_triggered", got.Status)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].SmsType != models.SmsSos {
		t.Fatalf("logs = %+v, want one sos entry", f.logs.entries)
	}
	if len(f.led.consumed) != 2 || f.led.consumed[1] != ledger.KindSos {
		t.Fatalf("consumed = %v, want sos after the start credit", f.led.consumed)
	}
}

func TestTriggerSosNormalisesContactPhone(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts[f.ident.UserID][0].PhoneNumber = "(415) 555-2671"

	if _, err := f.svc.TriggerSos(context.Background(), f.ident, nil); err != nil {
		t.Fatalf("TriggerSos: %v", err)
	}
	if len(f.disp.calls) != 1 || f.disp.calls[0] != "+14155552671" {
		t.Fatalf("dispatched to %v, want [+14155552671]", f.disp.calls)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].ContactPhone != "+14155552671" {
		t.Fatalf("logged phone = %+v, want the normalised number", f.logs.entries)
	}
}

func TestTriggerSosGatewayExhaustion(t *testing.T) {
	f := newFixture(t)
	f.disp.fail = true

	_, err := f.svc.TriggerSos(context.Background(), f.ident, nil)
	if CodeOf(err) != CodeSmsFailed {
		t.Fatalf("code = %q, want sms_failed", CodeOf(err))
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].Status != models.SmsFailed {
		t.Fatalf("logs = %+v, want one failed entry", f.logs.entries)
	}
	if f.logs.entries[0].RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", f.logs.entries[0].RetryCount)
	}
}

func TestSendTestConsumesTestCredit(t *testing.T) {
	f := newFixture(t)

	entry, err := f.svc.SendTest(context.Background(), f.ident)
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if entry.SmsType != models.SmsTest || entry.Status != models.SmsSent {
		t.Fatalf("entry = %+v, want sent test entry", entry)
	}
	if f.led.testCred != 1 {
		t.Fatalf("test credits = %d, want 1", f.led.testCred)
	}
	if f.led.credits != 3 {
		t.Fatalf("alert credits = %d, want untouched 3", f.led.credits)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	other := Identity{UserID: uuid.New(), PhoneVerified: true}
	_, err := f.svc.Get(context.Background(), other, sess.ID)
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("code = %q, want not_found for foreign session", CodeOf(err))
	}
}
