// Package tools implements the Tool Wrapper: it wraps a caller-supplied
// tool with call-site behavior (toolCallId minting, start/end events,
// tool-span bookkeeping) without changing the tool's identity.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/hooks"
	"goa.design/agentcore/ids"
	"goa.design/agentcore/model"
	"goa.design/agentcore/opctx"
	"goa.design/agentcore/telemetry"
)

// Spec describes a tool's identity (name, description, argument schema),
// independent of the wrapper that injects execution context around its
// Execute call.
type Spec struct {
	Name        string
	Description string
	// Schema is the JSON-Schema document describing the argument shape.
	// Arguments are validated against it at the wrapper boundary only when
	// the Spec was built by NewSpec, which compiles it; a nil Schema or a
	// Spec literal skips argument validation.
	Schema map[string]any

	compiled *jsonschema.Schema
}

// NewSpec constructs a Spec, compiling schema up front so a malformed schema
// fails at registration time rather than on first tool call.
func NewSpec(name, description string, schema map[string]any) (Spec, error) {
	s := Spec{Name: name, Description: description, Schema: schema}
	if schema == nil {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".schema.json", schema); err != nil {
		return Spec{}, err
	}
	compiled, err := c.Compile(name + ".schema.json")
	if err != nil {
		return Spec{}, err
	}
	s.compiled = compiled
	return s, nil
}

// ExecOptions carries the injected operation context, toolCallId, agent
// identity and historyEntryId into a tool's Execute call.
type ExecOptions struct {
	OperationContext *opctx.Context
	ToolCallID       string
	AgentID          string
	AgentName        string
	HistoryEntryID   string
}

// Handle is the pluggable ToolHandle contract.
type Handle interface {
	Spec() Spec
	Execute(ctx context.Context, args map[string]any, opts ExecOptions) (any, error)
}

// Func adapts a plain function to Handle for tools with no extra state.
type Func struct {
	S Spec
	E func(ctx context.Context, args map[string]any, opts ExecOptions) (any, error)
}

func (f Func) Spec() Spec { return f.S }
func (f Func) Execute(ctx context.Context, args map[string]any, opts ExecOptions) (any, error) {
	return f.E(ctx, args, opts)
}

// ReservedReasoningTools are the reasoning tool names whose execution
// options must carry agentId, agentName and a non-empty historyEntryId; a
// missing one only warns, it never fails the call.
var ReservedReasoningTools = map[string]bool{"think": true, "analyze": true}

// wrapped is the call-site adapter Wrap produces.
type wrapped struct {
	inner Handle
	bus   hooks.Bus
}

// Wrap produces a call-site adapter over inner with the same identity but
// a replaced execute function, publishing
// tool:started/completed/failed on bus and managing the tool span on the
// operation context carried in ExecOptions.
func Wrap(inner Handle, bus hooks.Bus) Handle {
	return &wrapped{inner: inner, bus: bus}
}

func (w *wrapped) Spec() Spec { return w.inner.Spec() }

func (w *wrapped) Execute(ctx context.Context, args map[string]any, opts ExecOptions) (any, error) {
	spec := w.inner.Spec()
	if opts.ToolCallID == "" {
		opts.ToolCallID = ids.NewToolCallID()
	}

	logger := telemetry.Logger(telemetry.NewNoopLogger())
	var tracer telemetry.Tracer = telemetry.NewNoopTracer()
	oc := opts.OperationContext
	if oc != nil {
		if oc.Logger != nil {
			logger = oc.Logger
		}
		if oc.Tracer != nil {
			tracer = oc.Tracer
		}
	}

	if ReservedReasoningTools[spec.Name] {
		if opts.AgentID == "" || opts.AgentName == "" {
			logger.Warn(ctx, "reasoning tool invoked without agent identity", "tool", spec.Name)
		}
		if opts.HistoryEntryID == "" {
			logger.Warn(ctx, "reasoning tool invoked with unknown historyEntryId", "tool", spec.Name)
		}
	}

	w.publish(ctx, hooks.NameToolStarted, "running", opts, map[string]any{"arguments": args})

	spanCtx := ctx
	var span telemetry.Span
	if oc != nil {
		spanCtx, span = tracer.Start(ctx, "tool."+spec.Name)
		if err := oc.AttachToolSpan(opts.ToolCallID, span); err != nil {
			span.RecordError(err)
			span.End()
			return nil, err
		}
	}

	if spec.compiled != nil {
		if err := validateArgs(spec.compiled, args); err != nil {
			verr := coreerr.Wrap(coreerr.ToolExecutionFailed, "tool arguments failed schema validation", err).
				WithTool(opts.ToolCallID, spec.Name)
			w.fail(ctx, oc, opts, span, verr)
			return nil, verr
		}
	}

	result, err := w.inner.Execute(spanCtx, args, opts)
	if err != nil {
		cerr := coreerr.Wrap(coreerr.ToolExecutionFailed, err.Error(), err).WithTool(opts.ToolCallID, spec.Name)
		w.fail(ctx, oc, opts, span, cerr)
		return nil, cerr
	}

	if span != nil {
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	if oc != nil {
		oc.DetachToolSpan(opts.ToolCallID)
	}
	w.publish(ctx, hooks.NameToolCompleted, "completed", opts, map[string]any{"result": result})
	return result, nil
}

func (w *wrapped) fail(ctx context.Context, oc *opctx.Context, opts ExecOptions, span telemetry.Span, err error) {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
	}
	if oc != nil {
		oc.DetachToolSpan(opts.ToolCallID)
	}
	w.publish(ctx, hooks.NameToolFailed, "error", opts, map[string]any{"error": err.Error()})
}

func (w *wrapped) publish(ctx context.Context, name, status string, opts ExecOptions, extra map[string]any) {
	if w.bus == nil {
		return
	}
	data := map[string]any{"toolCallId": opts.ToolCallID, "toolName": w.inner.Spec().Name}
	for k, v := range extra {
		data[k] = v
	}
	evt := hooks.Event{
		ID:             ids.NewEventID(),
		Timestamp:      time.Now().UnixNano(),
		Name:           name,
		Type:           hooks.KindTool,
		Status:         status,
		AgentID:        opts.AgentID,
		HistoryEntryID: opts.HistoryEntryID,
		Data:           data,
	}
	// The started event is tracked under the toolCallId so the orchestrator
	// can update it in place once the call settles.
	if name == hooks.NameToolStarted {
		evt.TrackedEventID = opts.ToolCallID
	}
	if opts.OperationContext != nil {
		evt.ParentAgentID = opts.OperationContext.ParentAgentID
		evt.ParentHistoryID = opts.OperationContext.ParentHistoryEntryID
	}
	_ = w.bus.Publish(ctx, evt)
}

// ToModelDef builds the model.ToolDef a provider sees for h, binding opts
// (operation context, agent identity) into the Execute closure so the
// engine only needs to pass toolCallId and arguments per call.
func ToModelDef(h Handle, opts ExecOptions) model.ToolDef {
	spec := h.Spec()
	return model.ToolDef{
		Name:        spec.Name,
		Description: spec.Description,
		Schema:      spec.Schema,
		Execute: func(ctx context.Context, toolCallID string, args map[string]any) (any, error) {
			callOpts := opts
			callOpts.ToolCallID = toolCallID
			return h.Execute(ctx, args, callOpts)
		},
	}
}

// validateArgs round-trips args through JSON so map[string]any values
// (which may carry Go-native types like int rather than float64) validate
// the same way a wire-decoded payload would.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
