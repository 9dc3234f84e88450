// Package coreerr defines the typed error taxonomy the core surfaces to
// callers and records on HistoryEntry termination.
package coreerr

import (
	"errors"
	"fmt"
)

// Code identifies a category of failure.
type Code string

const (
	GuardrailInputBlocked  Code = "GUARDRAIL_INPUT_BLOCKED"
	GuardrailOutputBlocked Code = "GUARDRAIL_OUTPUT_BLOCKED"
	ToolExecutionFailed    Code = "TOOL_EXECUTION_FAILED"
	ModelOutputInvalid     Code = "MODEL_OUTPUT_INVALID"
	ProviderError          Code = "PROVIDER_ERROR"
	Cancelled              Code = "CANCELLED"
	MemoryPersistFailed    Code = "MEMORY_PERSIST_FAILED"
	HistoryPersistFailed   Code = "HISTORY_PERSIST_FAILED"
)

// Stage identifies which orchestrator state the error originated in.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StagePreparing    Stage = "preparing"
	StageGenerating   Stage = "generating"
	StageFinalizing   Stage = "finalizing"
)

// ToolError attaches tool identity to an Error originating from a tool call.
type ToolError struct {
	ToolCallID string
	ToolName   string
}

// Error is the core's typed error carrying code, stage, tool identity,
// wrapped cause and free-form metadata.
type Error struct {
	Code          Code
	Message       string
	Stage         Stage
	Tool          *ToolError
	OriginalError error
	Metadata      map[string]any
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that records an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, OriginalError: cause}
}

// WithStage returns a copy of e with Stage set.
func (e *Error) WithStage(stage Stage) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// WithTool returns a copy of e with Tool identity attached.
func (e *Error) WithTool(toolCallID, toolName string) *Error {
	c := *e
	c.Tool = &ToolError{ToolCallID: toolCallID, ToolName: toolName}
	return &c
}

// WithMetadata returns a copy of e with a metadata key set.
func (e *Error) WithMetadata(key string, value any) *Error {
	c := *e
	md := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	c.Metadata = md
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/As against the wrapped original error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.OriginalError
}

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, coreerr.New(coreerr.Cancelled, "")) works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// IsCode reports whether err is (or wraps) a core Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
