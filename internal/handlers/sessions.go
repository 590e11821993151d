package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"safewalk/internal/models"
	"safewalk/internal/session"
)

// sessionPayload is the wire shape the client mirror consumes. The mirror
// only needs {sessionId, status, deadline}; the rest feeds the history UI.
func sessionPayload(s *models.Session) map[string]any {
	return map[string]any{
		"sessionId":       s.ID,
		"status":          s.Status,
		"deadline":        s.Deadline,
		"startTime":       s.StartTime,
		"note":            s.Note,
		"extensionsCount": s.ExtensionsCount,
		"maxExtensions":   s.MaxExtensions,
		"confirmedAt":     s.ConfirmedAt,
		"alertSentAt":     s.AlertSentAt,
		"shareLocation":   s.ShareLocation,
	}
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, session.NewError(session.CodeInvalidInput, "Identifiant de session invalide.")
	}
	return id, nil
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Deadline      time.Time `json:"deadline"`
		Note          string    `json:"note"`
		ShareLocation bool      `json:"shareLocation"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, session.NewError(session.CodeInvalidInput, "Corps de requête invalide."))
		return
	}

	sess, err := s.svc.Start(r.Context(), identityFrom(r), session.StartInput{
		Deadline:      body.Deadline,
		Note:          body.Note,
		ShareLocation: body.ShareLocation,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, map[string]any{"session": sessionPayload(sess)})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.List(r.Context(), identityFrom(r))
	if err != nil {
		respondError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessionPayload(&sessions[i]))
	}
	respondOK(w, http.StatusOK, map[string]any{"sessions": items})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.svc.Get(r.Context(), identityFrom(r), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": sessionPayload(sess)})
}

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.svc.CheckIn(r.Context(), identityFrom(r), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": sessionPayload(sess)})
}

func (s *Server) extendSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, session.NewError(session.CodeInvalidInput, "Corps de requête invalide."))
		return
	}
	sess, err := s.svc.Extend(r.Context(), identityFrom(r), id, body.Minutes)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": sessionPayload(sess)})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.svc.Cancel(r.Context(), identityFrom(r), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": sessionPayload(sess)})
}

func (s *Server) recordLocation(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var body struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, session.NewError(session.CodeInvalidInput, "Corps de requête invalide."))
		return
	}
	sess, err := s.svc.RecordLocation(r.Context(), identityFrom(r), id, body.Lat, body.Lng)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": sessionPayload(sess)})
}
