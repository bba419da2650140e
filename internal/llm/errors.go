package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/httpkit"
)

// ModelUnavailableError means the backend could not be reached or
// reported itself temporarily unable to serve: connection refused or
// reset, DNS failure, transport timeout, HTTP 429 or 5xx. It is the
// only error RetryClient retries.
type ModelUnavailableError struct {
	Provider   string
	Model      string
	StatusCode int // zero for network-level failures
	Err        error
}

// Error implements the error interface.
func (e *ModelUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model %s unavailable on %s (HTTP %d): %v", e.Model, e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model %s unavailable on %s: %v", e.Model, e.Provider, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is or wraps a ModelUnavailableError.
func IsUnavailable(err error) bool {
	var mu *ModelUnavailableError
	return errors.As(err, &mu)
}

// classify wraps transport failures in ModelUnavailableError. status is
// the HTTP status when the backend answered, zero otherwise. Context
// errors pass through untouched so callers can tell a deadline from an
// outage.
func classify(provider, model string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if status != 0 {
		if httpkit.IsTransientStatus(status) {
			return &ModelUnavailableError{Provider: provider, Model: model, StatusCode: status, Err: err}
		}
		return fmt.Errorf("%s: %w", provider, err)
	}
	if httpkit.IsTransient(err) {
		return &ModelUnavailableError{Provider: provider, Model: model, Err: err}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
