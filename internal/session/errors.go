package session

import (
	"errors"
	"fmt"

	"safewalk/internal/ledger"
)

// Code is a stable error code consumed by the client mirror to pick a UI
// treatment (paywall, OTP prompt, contact setup, ...). Codes never change
// once shipped.
type Code string

const (
	CodePhoneNotVerified Code = "phone_not_verified"
	CodeMissingContact   Code = "missing_contact"
	CodeNoCredits        Code = "no_credits"
	CodeQuotaReached     Code = "quota_reached"
	CodeInvalidDeadline  Code = "invalid_deadline"
	CodeInvalidInput     Code = "invalid_input"
	CodeInvalidPhone     Code = "invalid_phone"
	CodeNotFound         Code = "not_found"
	CodeNotActive        Code = "session_not_active"
	CodeExtensionLimit   Code = "extension_limit"
	CodeExtensionTooLong Code = "extension_too_long"
	CodeSmsFailed        Code = "sms_failed"
	CodeUnauthorized     Code = "unauthorized"
	CodeInternal         Code = "internal_error"
)

// Error pairs a stable code with a human-readable message. All
// client-facing operations fail with an *Error, never a raw wrapped error.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a coded operation error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the stable code from err, defaulting to internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Store-level sentinels. The postgres store returns these from its
// conditional updates; the service wraps them into coded errors.
var (
	ErrNotFound       = errors.New("session not found")
	ErrNotActive      = errors.New("session is not active or alerted")
	ErrExtensionLimit = errors.New("extension limit reached")
	ErrNoContact      = errors.New("no usable emergency contact")
)

func denialError(reason ledger.Reason) *Error {
	switch reason {
	case ledger.ReasonPhoneNotVerified:
		return NewError(CodePhoneNotVerified, "Numéro de téléphone non vérifié.")
	case ledger.ReasonQuotaReached:
		return NewError(CodeQuotaReached, "Quota journalier d'envois atteint.")
	case ledger.ReasonNoCredits:
		return NewError(CodeNoCredits, "Crédits insuffisants. Veuillez vous abonner pour continuer.")
	case ledger.ReasonProfileNotFound:
		return NewError(CodeNotFound, "Profil utilisateur introuvable.")
	default:
		return NewError(CodeInternal, "Impossible de consommer un crédit.")
	}
}
