package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy controls how [RetryClient] backs off.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // wait before the second attempt
	MaxDelay     time.Duration // cap on any single wait
	Multiplier   float64       // growth factor between waits
}

// DefaultRetryPolicy returns 3 attempts, 500ms initial delay, doubling,
// capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait before attempt n (1-based; attempt 1 has none).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryClient wraps a Client and retries calls that fail with
// [ModelUnavailableError]. Every other error, including context
// cancellation, is returned immediately.
type RetryClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryClient wraps next with policy. A zero MaxAttempts means one
// attempt.
func NewRetryClient(next Client, policy RetryPolicy, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &RetryClient{next: next, policy: policy, logger: logger, sleep: sleepCtx}
}

// Chat calls the wrapped client, retrying unavailability.
func (r *RetryClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	var resp *ChatResponse
	err := r.do(ctx, model, func() error {
		var err error
		resp, err = r.next.Chat(ctx, model, messages, tools)
		return err
	})
	return resp, err
}

// ChatStream calls the wrapped client, retrying unavailability only
// while nothing has been delivered to callback yet. Once a token has
// been streamed a retry would duplicate output, so the error is
// returned as is.
func (r *RetryClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	var (
		resp      *ChatResponse
		delivered bool
	)
	wrapped := callback
	if callback != nil {
		wrapped = func(ev StreamEvent) {
			delivered = true
			callback(ev)
		}
	}
	err := r.do(ctx, model, func() error {
		var err error
		resp, err = r.next.ChatStream(ctx, model, messages, tools, wrapped)
		if err != nil && delivered {
			return permanent{err}
		}
		return err
	})
	if p, ok := err.(permanent); ok {
		err = p.err
	}
	return resp, err
}

// Ping is not retried; callers poll it on their own schedule.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *RetryClient) do(ctx context.Context, model string, call func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if d := r.policy.Delay(attempt); d > 0 {
			r.logger.Warn("model unavailable, retrying",
				"model", model,
				"attempt", attempt,
				"max_attempts", r.policy.MaxAttempts,
				"delay", d,
				"error", err,
			)
			if serr := r.sleep(ctx, d); serr != nil {
				return serr
			}
		}
		err = call()
		if err == nil {
			return nil
		}
		if _, ok := err.(permanent); ok || !IsUnavailable(err) {
			return err
		}
	}
	return err
}

// permanent marks an error that must not be retried even if it is an
// unavailability error.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Client = (*RetryClient)(nil)
