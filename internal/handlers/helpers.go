package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"safewalk/internal/session"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondOK wraps a payload in the {success:true, ...} envelope.
func respondOK(w http.ResponseWriter, status int, extra map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range extra {
		payload[k] = v
	}
	respondJSON(w, status, payload)
}

// respondError maps a coded error onto the stable wire envelope the client
// mirror keys its UI treatment on.
func respondError(w http.ResponseWriter, err error) {
	code := session.CodeOf(err)
	message := "Une erreur interne est survenue."
	var coded *session.Error
	if errors.As(err, &coded) {
		message = coded.Message
	}
	respondJSON(w, httpStatus(code), map[string]any{
		"success":   false,
		"errorCode": string(code),
		"message":   message,
	})
}

func httpStatus(code session.Code) int {
	switch code {
	case session.CodeInvalidInput, session.CodeInvalidDeadline,
		session.CodeInvalidPhone, session.CodeExtensionTooLong:
		return http.StatusBadRequest
	case session.CodeUnauthorized:
		return http.StatusUnauthorized
	case session.CodeNoCredits, session.CodeQuotaReached:
		return http.StatusPaymentRequired
	case session.CodePhoneNotVerified:
		return http.StatusForbidden
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeNotActive, session.CodeExtensionLimit, session.CodeMissingContact:
		return http.StatusConflict
	case session.CodeSmsFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
