// Package toolerrors provides structured error types for tool invocation
// failures against the back-end tool services (CRM, transactional email,
// URL shortener). ToolError preserves error chains and supports
// errors.Is/errors.As while remaining serializable across the subprocess
// RPC boundary described in spec.md C7.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface.
// Tool errors may be nested via Cause to retain diagnostics across retries.
type ToolError struct {
	Message string
	Cause   *ToolError
	// Field optionally names the payload field responsible for the failure,
	// populated when the failure originates from placeholder resolution or
	// payload validation (see FieldIssue).
	Field string
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s (field: %s)", e.Message, e.Field)
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FieldIssue represents a single validation issue surfaced to a retry hint
// or a human review payload (spec.md §4.10 "available fields for in-place
// editing").
type FieldIssue struct {
	Field      string
	Constraint string
	Allowed    []string
}

// repairPromptTemplate mirrors the teacher's runtime/mcp/retry package: a
// deterministic, compact instruction intended for LLM-driven correction of a
// failed tool call.
const repairPromptTemplate = `
Operation: %s
%sError: %s
Redo the operation now with valid parameters.
Use only valid schema fields and ensure required fields and types/enums are valid.`

// BuildRepairPrompt constructs a deterministic repair instruction for a
// single retried tool call (spec.md §7: "read operations may be retried at
// most once"). schema is an optional compact JSON schema excerpt.
func BuildRepairPrompt(op, errMsg, schema string) string {
	schemaPart := ""
	if schema != "" {
		schemaPart = "Schema: " + schema + "\n"
	}
	return fmt.Sprintf(repairPromptTemplate, op, schemaPart, errMsg)
}
