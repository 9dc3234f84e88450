// Package engine implements the Generation Engine: it drives
// generateText/streamText/generateObject/streamObject against a
// model.Provider, recording every provider-emitted step into the History
// Store, persisting it through the Memory Manager, and threading streamed
// text through the Guardrail Pipeline.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/history"
	"goa.design/agentcore/hooks"
	"goa.design/agentcore/memory"
	"goa.design/agentcore/model"
	"goa.design/agentcore/opctx"
	"goa.design/agentcore/telemetry"
)

// DefaultMaxSteps is the provider round cap applied when the caller
// doesn't set one.
const DefaultMaxSteps = 25

// Callbacks are the per-call hooks, forwarded verbatim from the Agent
// surface.
type Callbacks struct {
	OnStepFinish func(history.Step)
	OnChunk      func(model.Chunk)
	OnFinish     func(any)
	OnError      func(error)
}

// Run bundles the cross-cutting dependencies a single operation's engine
// calls share: where to record steps, how to persist memory, which
// guardrail pipeline (if any) governs output, and the caller's callbacks.
// The orchestrator constructs one Run per request.
type Run struct {
	Op         *opctx.Context
	EntryID    string
	AgentID    string
	Store      history.Store
	Bus        hooks.Bus
	MemoryStep memory.StepPersister
	Pipeline   *guardrail.Pipeline // output guardrails; nil disables them
	Logger     telemetry.Logger

	seenToolCalls map[string]bool
}

// recordStep appends step to the History Store, persists it through memory,
// checks the tool-call/tool-result pairing invariant, and
// forwards it to the caller's OnStepFinish.
func (r *Run) recordStep(ctx context.Context, step history.Step, cb Callbacks) {
	// Once the operation is cancelled no further steps may land in the
	// store, even if the provider's loop is still winding down.
	if ctx.Err() != nil {
		return
	}
	if r.seenToolCalls == nil {
		r.seenToolCalls = make(map[string]bool)
	}
	if r.Store != nil {
		_ = r.Store.AppendStep(ctx, r.EntryID, step)
	}
	switch step.Kind {
	case history.StepToolCall:
		r.seenToolCalls[step.ToolCallID] = true
		if r.MemoryStep != nil {
			r.MemoryStep(ctx, memory.MessageToolCall, fmt.Sprintf("%s(%v)", step.ToolName, step.Arguments))
		}
	case history.StepToolResult:
		if !r.seenToolCalls[step.ToolCallID] && r.Logger != nil {
			r.Logger.Warn(ctx, "tool_result with no matching in-flight tool_call", "toolCallId", step.ToolCallID, "toolName", step.ToolName)
		}
		if r.MemoryStep != nil {
			r.MemoryStep(ctx, memory.MessageToolResult, resultText(step))
		}
	case history.StepText:
		if r.MemoryStep != nil {
			r.MemoryStep(ctx, memory.MessageText, step.Text)
		}
	}
	if cb.OnStepFinish != nil {
		cb.OnStepFinish(step)
	}
}

func resultText(step history.Step) string {
	if step.ResultErr != nil {
		return step.ResultErr.Error()
	}
	b, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Sprintf("%v", step.Result)
	}
	return string(b)
}

// stepAdapter builds the model.Step -> history.Step translation a
// model.GenerateRequest.OnStepFinish callback needs, splitting one provider
// step into the text/tool_call/tool_result steps the History Store models.
func (r *Run) stepAdapter(ctx context.Context, cb Callbacks) func(model.Step) {
	return func(s model.Step) {
		if s.Text != "" {
			r.recordStep(ctx, history.Step{Kind: history.StepText, Text: s.Text}, cb)
		}
		for _, tc := range s.ToolCalls {
			r.recordStep(ctx, history.Step{
				Kind: history.StepToolCall, ToolCallID: tc.ID, ToolName: tc.Name, Arguments: tc.Arguments,
			}, cb)
		}
		if s.ToolResult != nil {
			r.recordStep(ctx, history.Step{
				Kind: history.StepToolResult, ToolCallID: s.ToolResult.ToolCallID, ToolName: s.ToolResult.Name,
				Result: s.ToolResult.Result, ResultErr: s.ToolResult.Err,
			}, cb)
		}
	}
}

// GenerateText is a single await on the provider, which has already driven
// the internal tool-call loop up to req.MaxSteps rounds and invoked
// OnStepFinish serially for every step; the output-guardrail terminal phase
// then runs over the returned text.
func (r *Run) GenerateText(ctx context.Context, provider model.Provider, req model.GenerateRequest, cb Callbacks) (model.GenerateResult, error) {
	if req.MaxSteps <= 0 {
		req.MaxSteps = DefaultMaxSteps
	}
	req.OnStepFinish = r.stepAdapter(ctx, cb)

	res, err := provider.GenerateText(ctx, req)
	if err != nil {
		return r.failProvider(err, cb)
	}
	if err := r.runOutputGuardrails(ctx, &res); err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return res, err
	}
	if cb.OnFinish != nil {
		cb.OnFinish(res)
	}
	return res, nil
}

// GenerateObject is GenerateText plus schema validation of the accumulated
// object on finish: a violation surfaces as MODEL_OUTPUT_INVALID.
func (r *Run) GenerateObject(ctx context.Context, provider model.Provider, req model.GenerateRequest, cb Callbacks) (model.GenerateResult, error) {
	if req.MaxSteps <= 0 {
		req.MaxSteps = DefaultMaxSteps
	}
	req.OnStepFinish = r.stepAdapter(ctx, cb)

	res, err := provider.GenerateObject(ctx, req)
	if err != nil {
		return r.failProvider(err, cb)
	}
	if err := validateObject(req.Schema, res.Object); err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return res, err
	}
	if cb.OnFinish != nil {
		cb.OnFinish(res)
	}
	return res, nil
}

func (r *Run) failProvider(err error, cb Callbacks) (model.GenerateResult, error) {
	cerr := providerErr(err)
	if cb.OnError != nil {
		cb.OnError(cerr)
	}
	return model.GenerateResult{}, cerr
}

// providerErr wraps a provider-layer failure, preserving cancellation: a
// provider call aborted by the operation's cancellation handle must surface
// as CANCELLED so the orchestrator emits operation:cancelled rather than
// operation:failed.
func providerErr(err error) *coreerr.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || coreerr.IsCode(err, coreerr.Cancelled) {
		return coreerr.Wrap(coreerr.Cancelled, "operation cancelled", err).WithStage(coreerr.StageGenerating)
	}
	return coreerr.Wrap(coreerr.ProviderError, err.Error(), err).WithStage(coreerr.StageGenerating)
}

// runOutputGuardrails runs the terminal output guardrail phase over
// res.Text, in place.
func (r *Run) runOutputGuardrails(ctx context.Context, res *model.GenerateResult) error {
	if r.Pipeline == nil {
		return nil
	}
	sanitized, err := r.Pipeline.RunOutputTerminal(ctx, res.Text)
	if err != nil {
		return err
	}
	res.Text = sanitized
	return nil
}

// validateStreamedObject parses the fully accumulated streamObject text as
// JSON and validates it against schema, surfacing MODEL_OUTPUT_INVALID on
// either a parse failure or a schema violation.
func validateStreamedObject(schema map[string]any, text string) error {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "streamed object is not valid JSON", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("object.schema.json", schema); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "invalid schema", err)
	}
	compiled, err := c.Compile("object.schema.json")
	if err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "invalid schema", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "model output failed schema validation", err)
	}
	return nil
}

// validateObject compiles schema (a JSON-Schema document) once per call and
// validates object against it; nil schema skips validation.
func validateObject(schema map[string]any, object map[string]any) error {
	if schema == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("object.schema.json", schema); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "invalid schema", err)
	}
	compiled, err := c.Compile("object.schema.json")
	if err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "invalid schema", err)
	}
	raw, err := json.Marshal(object)
	if err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "object is not serializable", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "object is not serializable", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return coreerr.Wrap(coreerr.ModelOutputInvalid, "model output failed schema validation", err)
	}
	return nil
}
