package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"safewalk/internal/session"
)

func (s *Server) triggerSos(w http.ResponseWriter, r *http.Request) {
	// The SOS body is optional: a bare POST alerts without session context.
	var body struct {
		SessionID *uuid.UUID `json:"sessionId"`
	}
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, session.NewError(session.CodeInvalidInput, "Corps de requête invalide."))
		return
	}

	res, err := s.svc.TriggerSos(r.Context(), identityFrom(r), body.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"smsSent":    res.SmsSent,
		"retryCount": res.RetryCount,
	})
}

func (s *Server) sendTestSms(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.SendTest(r.Context(), identityFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"contactPhone": entry.ContactPhone,
		"retryCount":   entry.RetryCount,
		"durationMs":   entry.DurationMs,
	})
}

const deliveryLogLimit = 50

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deliveries.RecentByUser(r.Context(), identityFrom(r).UserID, deliveryLogLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list delivery logs")
		respondError(w, session.NewError(session.CodeInternal, "Lecture du journal d'envois impossible."))
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"sessionId":    e.SessionID,
			"contactPhone": e.ContactPhone,
			"smsType":      e.SmsType,
			"status":       e.Status,
			"retryCount":   e.RetryCount,
			"durationMs":   e.DurationMs,
			"sentAt":       e.CreatedAt,
		})
	}
	respondOK(w, http.StatusOK, map[string]any{"logs": items})
}

func (s *Server) latestHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := s.heartbeats.Latest(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, session.NewError(session.CodeNotFound, "Aucun battement de balayage enregistré."))
			return
		}
		s.logger.Error().Err(err).Msg("read sweep heartbeat")
		respondError(w, session.NewError(session.CodeInternal, "Lecture du battement impossible."))
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"heartbeat": map[string]any{
			"processed":  hb.Processed,
			"sent":       hb.Sent,
			"failed":     hb.Failed,
			"recordedAt": hb.CreatedAt,
			"ageSeconds": int(time.Since(hb.CreatedAt).Seconds()),
		},
	})
}
