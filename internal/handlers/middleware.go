package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"safewalk/internal/identity"
	"safewalk/internal/session"
)

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// authenticate resolves the bearer token through the identity provider and
// places the verified identity on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, session.NewError(session.CodeUnauthorized, "Jeton d'authentification manquant."))
			return
		}

		ident, err := s.identity.Lookup(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthorized) {
				respondError(w, session.NewError(session.CodeUnauthorized, "Jeton d'authentification invalide."))
				return
			}
			s.logger.Error().Err(err).Msg("identity lookup")
			respondError(w, session.NewError(session.CodeInternal, "Vérification d'identité indisponible."))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

func identityFrom(r *http.Request) session.Identity {
	ident, _ := r.Context().Value(identityKey).(session.Identity)
	return ident
}

// rateKey identifies the caller for rate limiting: the authenticated user
// when present, the remote address otherwise.
func rateKey(r *http.Request) string {
	if ident := identityFrom(r); ident.UserID != uuid.Nil {
		return ident.UserID.String()
	}
	return r.RemoteAddr
}
