// Package sms formats alert messages and delivers them through the Twilio
// REST gateway, wrapped in the retry primitive.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// ErrInvalidPhone is returned before any network I/O when the destination
// is not E.164; it must never consume a retry budget or a provider call.
var ErrInvalidPhone = errors.New("invalid phone number, expected E.164 format")

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhone reports whether phone is in E.164 format (+[1-9] then 1-14 digits).
func ValidPhone(phone string) bool {
	return e164.MatchString(phone)
}

// FormatPhone normalises a raw phone number towards E.164. Ten-digit
// numbers are assumed to be NANP and get +1 prepended.
func FormatPhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()
	if len(cleaned) == 10 {
		return "+1" + cleaned
	}
	return "+" + cleaned
}

// Config carries gateway credentials. BaseURL is overridable for tests.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// GatewayError is a non-2xx response from the provider. It carries the
// HTTP status so the retry predicate can separate 5xx/429 from hard 4xx.
type GatewayError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sms gateway: %s (status %d, code %d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("sms gateway: status %d", e.StatusCode)
}

// HTTPStatus implements retry.HTTPStatusError.
func (e *GatewayError) HTTPStatus() int { return e.StatusCode }

// SendResult is the provider acknowledgement for an accepted message.
type SendResult struct {
	MessageSID string
}

// Client performs single, non-retried sends against the gateway. Callers
// that need retry wrap Send through a Dispatcher.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient validates the configuration and returns a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, errors.New("sms: account sid, auth token and from number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send delivers one message. The destination is validated locally first so
// malformed numbers are rejected without touching the network.
func (c *Client) Send(ctx context.Context, to, body string) (SendResult, error) {
	if !ValidPhone(to) {
		return SendResult{}, fmt.Errorf("%w: %q", ErrInvalidPhone, to)
	}
	if strings.TrimSpace(body) == "" {
		return SendResult{}, errors.New("sms: empty message body")
	}

	form := url.Values{}
	form.Set("From", c.cfg.FromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("sms gateway request: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		SID     string `json:"sid"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil && resp.StatusCode < 300 {
		return SendResult{}, fmt.Errorf("decode gateway response: %w", decodeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       payload.Code,
			Message:    payload.Message,
		}
	}

	return SendResult{MessageSID: payload.SID}, nil
}
