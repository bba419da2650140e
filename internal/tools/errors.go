package tools

import (
	"errors"
	"fmt"
)

// ErrRegistryFrozen is returned by Register after Freeze.
var ErrRegistryFrozen = errors.New("tool registry is frozen")

// UnknownToolError is returned when a call names a tool that is not
// registered.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// ArgumentError reports a call whose arguments do not match the tool's
// parameter schema.
type ArgumentError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// ToolExecutionError wraps any failure of a single tool call. Its text
// is what the model sees as the tool result.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Err    error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolExecutionError) Unwrap() error { return e.Err }
