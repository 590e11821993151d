package sms

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"safewalk/internal/retry"
)

// Sender is the single-attempt gateway call the dispatcher retries.
// *Client satisfies it; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, to, body string) (SendResult, error)
}

// DispatchResult carries the outcome plus the observability fields every
// caller records in its delivery log entry.
type DispatchResult struct {
	Success    bool
	MessageSID string
	Err        error
	RetryCount int
	DurationMs int64
}

// Dispatcher wraps gateway sends in the retry primitive.
type Dispatcher struct {
	sender Sender
	logger zerolog.Logger
}

// NewDispatcher returns a Dispatcher delivering through sender.
func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger}
}

// Dispatch sends one message under the given retry profile. Invalid
// destinations fail immediately without an attempt against the gateway.
func (d *Dispatcher) Dispatch(ctx context.Context, profile retry.Profile, to, body string) DispatchResult {
	if !ValidPhone(to) {
		return DispatchResult{Err: ErrInvalidPhone}
	}

	var sid string
	res := retry.Do(ctx, profile, func(ctx context.Context) error {
		sent, err := d.sender.Send(ctx, to, body)
		if err != nil {
			return err
		}
		sid = sent.MessageSID
		return nil
	})

	out := DispatchResult{
		Success:    res.Success,
		MessageSID: sid,
		Err:        res.Err,
		RetryCount: res.Retries(),
		DurationMs: res.Duration.Milliseconds(),
	}

	evt := d.logger.Info()
	if !out.Success {
		evt = d.logger.Warn().Err(out.Err)
	}
	evt.Int("retry_count", out.RetryCount).
		Int64("duration_ms", out.DurationMs).
		Bool("success", out.Success).
		Msg("sms dispatch")

	return out
}

// ErrorMessage renders the dispatch error for a delivery log row.
func (r DispatchResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(r.Err, &ge) {
		return ge.Error()
	}
	return r.Err.Error()
}
