// Package identity resolves bearer tokens against the external identity
// collaborator. Account management, OTP and phone verification all live
// there; this side only consumes the verdict.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"safewalk/internal/session"
)

// ErrUnauthorized is returned for unknown or expired tokens.
var ErrUnauthorized = errors.New("identity: token not recognized")

// Provider turns a bearer token into a verified identity.
type Provider interface {
	Lookup(ctx context.Context, token string) (session.Identity, error)
}

// HTTPProvider asks the identity service over HTTP.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Lookup(ctx context.Context, token string) (session.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/whoami", nil)
	if err != nil {
		return session.Identity{}, fmt.Errorf("identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return session.Identity{}, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return session.Identity{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return session.Identity{}, fmt.Errorf("identity lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		UserID        uuid.UUID `json:"user_id"`
		PhoneVerified bool      `json:"phone_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return session.Identity{}, fmt.Errorf("decode identity response: %w", err)
	}
	if body.UserID == uuid.Nil {
		return session.Identity{}, ErrUnauthorized
	}
	return session.Identity{UserID: body.UserID, PhoneVerified: body.PhoneVerified}, nil
}

// Static maps fixed tokens to identities; used in tests and local setups.
type Static map[string]session.Identity

func (s Static) Lookup(_ context.Context, token string) (session.Identity, error) {
	ident, ok := s[token]
	if !ok {
		return session.Identity{}, ErrUnauthorized
	}
	return ident, nil
}
