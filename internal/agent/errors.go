package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

// ErrEmptyInput is returned when the user text is blank.
var ErrEmptyInput = errors.New("user message is empty")

// EmptyResponseError means the model produced neither an answer nor a
// tool call. The raw output is kept in the session as a diagnostic
// message.
type EmptyResponseError struct {
	Iteration int
	Raw       string
}

// Error implements the error interface.
func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("model returned no answer and no tool calls (iteration %d)", e.Iteration)
}

// ToolLoopLimitError means the model was still requesting tools after
// the configured number of tool round-trips. Tool results from earlier
// rounds stay in the session.
type ToolLoopLimitError struct {
	Limit int
	Calls int // tool calls executed during the turn
}

// Error implements the error interface.
func (e *ToolLoopLimitError) Error() string {
	return fmt.Sprintf("tool loop limit reached: still calling tools after %d round-trips (%d calls)", e.Limit, e.Calls)
}

// TimeoutError means the per-turn deadline or the caller's deadline
// passed. Stage names what was in flight: "session lock", "model", or
// "tool NAME". Timeout is zero when the caller's deadline expired.
type TimeoutError struct {
	Timeout time.Duration
	Stage   string
	Err     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Timeout <= 0 {
		return fmt.Sprintf("caller deadline passed waiting for %s", e.Stage)
	}
	return fmt.Sprintf("turn timed out after %s waiting for %s", e.Timeout, e.Stage)
}

// Unwrap returns the underlying cause.
func (e *TimeoutError) Unwrap() error { return e.Err }

// ErrorKind returns a short, stable label for err, used in events,
// metrics, and API responses.
func ErrorKind(err error) string {
	var (
		unavailable *llm.ModelUnavailableError
		timeout     *TimeoutError
		empty       *EmptyResponseError
		loop        *ToolLoopLimitError
		unknown     *session.UnknownSessionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &unavailable):
		return "model_unavailable"
	case errors.As(err, &empty):
		return "empty_response"
	case errors.As(err, &loop):
		return "tool_loop_limit"
	case errors.As(err, &unknown):
		return "unknown_session"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
