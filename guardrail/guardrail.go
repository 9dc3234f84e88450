// Package guardrail implements the Guardrail Pipeline: input
// guardrails (pre-model), output guardrails (post-model and streaming), and
// the built-in redactors/filters.
package guardrail

import (
	"context"

	"goa.design/agentcore/coreerr"
)

// Severity classifies a guardrail's importance; informational only, it
// does not change pipeline behavior.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action is the outcome of a guardrail decision.
type Action string

const (
	ActionPass   Action = "pass"
	ActionModify Action = "modify"
	ActionBlock  Action = "block"
)

// Decision is what an input or terminal output guardrail returns.
type Decision struct {
	Action   Action
	Modified string
	Message  string
}

// Pass constructs a passing Decision.
func Pass() Decision { return Decision{Action: ActionPass} }

// Modify constructs a Decision that replaces the text with modified.
func Modify(modified string) Decision { return Decision{Action: ActionModify, Modified: modified} }

// Block constructs a blocking Decision with message.
func Block(message string) Decision { return Decision{Action: ActionBlock, Message: message} }

// InputGuardrail validates/transforms the raw input before the model runs.
type InputGuardrail struct {
	ID          string
	Name        string
	Severity    Severity
	Description string
	Validate    func(ctx context.Context, input string) (Decision, error)
}

// ChunkState is the persistent, per-guardrail state bag scoped to one
// stream.
type ChunkState struct {
	// pending holds the bounded hold-window suffix not yet safe to emit.
	pending string
	// rawAccumulated holds every raw chunk seen, for the finalize re-run.
	rawAccumulated string
	// emitted holds everything already emitted through ProcessChunk.
	emitted string

	finalized     bool
	finalizedText string
	aborted       error
}

// OutputGuardrail validates/transforms the accumulated output (terminal
// phase) and, optionally, participates in the streaming phase chunk by
// chunk.
type OutputGuardrail struct {
	ID          string
	Name        string
	Severity    Severity
	Description string

	// ValidateOutput is the terminal handler: it receives the current
	// (possibly already-modified-by-earlier-guardrails) output and the
	// original pre-guardrail output.
	ValidateOutput func(ctx context.Context, current, original string) (Decision, error)

	// Stream, if non-nil, makes this guardrail participate in the
	// streaming phase.
	Stream *StreamHandler
}

// AbortFunc marks a stream as failed; see StreamHandler.ProcessChunk.
type AbortFunc func(reason error)

// StreamHandler is a guardrail's streaming-phase behavior.
type StreamHandler struct {
	// ProcessChunk receives one chunk of raw text plus this guardrail's
	// persistent state, and returns the (possibly modified) safe-to-emit
	// text, or nil to drop this chunk entirely. Call abort to
	// fail the whole stream with GUARDRAIL_OUTPUT_BLOCKED.
	ProcessChunk func(ctx context.Context, chunk string, state *ChunkState, abort AbortFunc) (*string, error)

	// Finalize re-runs the terminal handler over the full accumulated raw
	// text and returns the trailing diff not yet emitted.
	// Finalize must be idempotent: a second call returns "" and emits
	// nothing new.
	Finalize func(ctx context.Context, state *ChunkState) (string, error)
}

// newBlockedErr builds the typed error for a guardrail block/abort.
func newBlockedErr(code coreerr.Code, guardrailID, message string) error {
	return coreerr.New(code, message).WithMetadata("guardrailId", guardrailID)
}
