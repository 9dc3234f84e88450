package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/engine"
	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/history"
	"goa.design/agentcore/hooks"
	"goa.design/agentcore/ids"
	"goa.design/agentcore/memory"
	"goa.design/agentcore/model"
	"goa.design/agentcore/opctx"
	"goa.design/agentcore/tools"
)

// runOptions is the per-operation configuration recognised on every Agent
// operation.
type runOptions struct {
	userID               string
	conversationID       string
	parentAgentID        string
	parentHistoryEntryID string
	contextLimit         int
	userContext          map[string]any
	maxSteps             int
	providerOptions      map[string]any
	provider             model.Provider

	onStepFinish func(history.Step)
	onChunk      func(model.Chunk)
	onFinish     func(any)
	onError      func(error)
}

// RunOption configures a single Agent operation.
type RunOption func(*runOptions)

func WithUserID(id string) RunOption             { return func(o *runOptions) { o.userID = id } }
func WithConversationID(id string) RunOption     { return func(o *runOptions) { o.conversationID = id } }
func WithParentAgentID(id string) RunOption      { return func(o *runOptions) { o.parentAgentID = id } }
func WithContextLimit(n int) RunOption           { return func(o *runOptions) { o.contextLimit = n } }
func WithMaxSteps(n int) RunOption               { return func(o *runOptions) { o.maxSteps = n } }
func WithProviderOverride(p model.Provider) RunOption {
	return func(o *runOptions) { o.provider = p }
}
func WithProviderOptions(opts map[string]any) RunOption {
	return func(o *runOptions) { o.providerOptions = opts }
}

// WithParentHistoryEntryID sets the sub-agent linkage used for event
// propagation.
func WithParentHistoryEntryID(id string) RunOption {
	return func(o *runOptions) { o.parentHistoryEntryID = id }
}

// WithUserContext merges keyvals into the operation's user context map,
// propagated into events and tool execution options.
func WithUserContext(keyvals map[string]any) RunOption {
	return func(o *runOptions) {
		if o.userContext == nil {
			o.userContext = make(map[string]any, len(keyvals))
		}
		for k, v := range keyvals {
			o.userContext[k] = v
		}
	}
}

func WithOnStepFinish(fn func(history.Step)) RunOption {
	return func(o *runOptions) { o.onStepFinish = fn }
}
func WithOnChunk(fn func(model.Chunk)) RunOption { return func(o *runOptions) { o.onChunk = fn } }
func WithOnFinish(fn func(any)) RunOption        { return func(o *runOptions) { o.onFinish = fn } }
func WithOnError(fn func(error)) RunOption       { return func(o *runOptions) { o.onError = fn } }

func (a *Agent) resolveOptions(opts []RunOption) *runOptions {
	o := &runOptions{contextLimit: 10, maxSteps: engine.DefaultMaxSteps, userContext: map[string]any{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// operation bundles everything beginOperation hands back to a public
// surface method: the operation context, its derived cancellable Go
// context, the HistoryEntry it created, and the assembled request
// messages.
type operation struct {
	oc             *opctx.Context
	ctx            context.Context
	entry          *history.Entry
	messages       []model.Message
	conversationID string
	o              *runOptions
}

// beginOperation covers the initializing and preparing states:
// it creates the OperationContext and HistoryEntry, emits operation:started,
// runs input guardrails, loads memory context, runs retrieval, and
// assembles the system + user messages. Any failure here ends the request
// immediately with the HistoryEntry (if created) marked error.
func (a *Agent) beginOperation(ctx context.Context, input string, o *runOptions) (*operation, error) {
	operationID := ids.NewOperationID()
	oc, rctx := opctx.New(ctx, operationID, a.Logger, a.Tracer)
	oc.ParentAgentID = o.parentAgentID
	oc.ParentHistoryEntryID = o.parentHistoryEntryID
	for k, v := range o.userContext {
		oc.SetUserContext(k, v)
	}

	// Bridge Go-context cancellation into the operation context so every
	// observer of oc sees the same cancellation: the caller's ctx
	// is the cancellation handle, per Go convention.
	context.AfterFunc(rctx, func() { oc.Cancel(context.Cause(rctx)) })

	entry := &history.Entry{
		ID:                   operationID,
		AgentID:              a.ID,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
		Status:               history.StatusWorking,
		Input:                input,
		ParentAgentID:        o.parentAgentID,
		ParentHistoryEntryID: o.parentHistoryEntryID,
		UserContext:          o.userContext,
	}
	if err := a.History.AddEntry(ctx, entry); err != nil {
		return nil, err
	}
	a.publish(ctx, hooks.NameOperationStarted, entry, nil)

	pipeline := guardrail.NewPipeline(a.InputGuards, nil)
	sanitizedInput, err := pipeline.RunInput(rctx, input)
	if err != nil {
		a.failEntry(rctx, entry, err)
		return nil, err
	}

	var window []memory.Message
	conversationID := o.conversationID
	if a.Memory != nil && o.userID != "" {
		window, conversationID, err = a.Memory.PrepareContext(rctx, memory.InputMessage{Text: sanitizedInput}, nil, a.ID, o.userID, conversationID, o.contextLimit)
		if err != nil {
			// Memory failures never fail the operation: log, emit the
			// event, continue with an empty window.
			a.Logger.Warn(rctx, "memory context load failed", "error", err, "conversationId", conversationID)
			a.publish(rctx, hooks.NameMemoryPersistFailed, entry, map[string]any{"error": err.Error()})
			window = nil
		}
	}
	if conversationID == "" {
		conversationID = ids.NewConversationID()
	}

	var retrieved []RetrievedItem
	if a.Retriever != nil {
		a.publish(rctx, hooks.NameRetrieverStarted, entry, nil)
		retrieved, err = a.Retriever.Retrieve(rctx, sanitizedInput, entry.ID)
		if err != nil {
			a.publish(rctx, hooks.NameRetrieverFailed, entry, map[string]any{"error": err.Error()})
		} else {
			a.publish(rctx, hooks.NameRetrieverCompleted, entry, map[string]any{"count": len(retrieved)})
		}
	}

	messages := []model.Message{{Role: model.RoleSystem, Content: a.assembleSystemMessage(rctx, retrieved)}}
	for _, m := range window {
		messages = append(messages, model.Message{Role: model.Role(m.Role), Content: m.Content})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: sanitizedInput})

	return &operation{oc: oc, ctx: rctx, entry: entry, messages: messages, conversationID: conversationID, o: o}, nil
}

// buildRun constructs the engine.Run and model.GenerateRequest shared by
// every operation kind.
func (a *Agent) buildRun(op *operation) (*engine.Run, model.GenerateRequest) {
	var stepPersist memory.StepPersister
	if a.Memory != nil {
		stepPersist = a.Memory.StepHandler(op.ctx, a.ID, op.o.userID, op.conversationID)
	}

	run := &engine.Run{
		Op:         op.oc,
		EntryID:    op.entry.ID,
		AgentID:    a.ID,
		Store:      a.History,
		Bus:        a.Bus,
		MemoryStep: stepPersist,
		Pipeline:   guardrail.NewPipeline(nil, a.OutputGuards),
		Logger:     a.Logger,
	}

	req := model.GenerateRequest{
		Messages:        op.messages,
		Model:           a.ModelName,
		Tools:           a.modelTools(op),
		MaxSteps:        op.o.maxSteps,
		ProviderOptions: op.o.providerOptions,
	}
	return run, req
}

// modelTools wraps every registered tool for this operation's execution
// context.
func (a *Agent) modelTools(op *operation) []model.ToolDef {
	execOpts := tools.ExecOptions{OperationContext: op.oc, AgentID: a.ID, AgentName: a.Name, HistoryEntryID: op.entry.ID}
	var defs []model.ToolDef
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, tk := range a.Toolkits {
		for _, h := range tk.Tools {
			wrapped := tools.Wrap(h, a.Bus)
			defs = append(defs, a.trackToolEvents(op, tools.ToModelDef(wrapped, execOpts)))
		}
	}
	return defs
}

// trackToolEvents settles the tracked tool:started TimelineEvent the wrapper
// emits: an updater registered on the operation context before dispatch is
// taken back once the call returns and applied to the event in place, so the
// timeline shows the call's terminal status without a reader having to pair
// started/completed events by hand.
func (a *Agent) trackToolEvents(op *operation, def model.ToolDef) model.ToolDef {
	exec := def.Execute
	entryID := op.entry.ID
	def.Execute = func(ctx context.Context, toolCallID string, args map[string]any) (any, error) {
		if toolCallID == "" {
			toolCallID = ids.NewToolCallID()
		}
		op.oc.RegisterEventUpdater(toolCallID, func(status string, data map[string]any) {
			_ = a.History.UpdateTrackedEvent(ctx, entryID, toolCallID, status, data)
		})
		result, err := exec(ctx, toolCallID, args)
		if update, ok := op.oc.TakeEventUpdater(toolCallID); ok {
			if err != nil {
				update("error", map[string]any{"error": err.Error()})
			} else {
				update("completed", nil)
			}
		}
		return result, err
	}
	return def
}

func (a *Agent) callbacks(op *operation) engine.Callbacks {
	return engine.Callbacks{
		OnStepFinish: op.o.onStepFinish,
		OnChunk:      op.o.onChunk,
	}
}

func (a *Agent) resolveProvider(o *runOptions) model.Provider {
	if o.provider != nil {
		return o.provider
	}
	return a.Provider
}

// GenerateText runs a full text generation: prepare, generate, finalize.
func (a *Agent) GenerateText(ctx context.Context, input string, opts ...RunOption) (model.GenerateResult, error) {
	o := a.resolveOptions(opts)
	op, err := a.beginOperation(ctx, input, o)
	if err != nil {
		beginFailed(o, err)
		return model.GenerateResult{}, err
	}
	run, req := a.buildRun(op)
	res, genErr := run.GenerateText(op.ctx, a.resolveProvider(o), req, a.callbacks(op))
	a.finalize(op, res.Text, res.Usage, genErr)
	return res, genErr
}

// GenerateObject is the schema-constrained variant of GenerateText.
func (a *Agent) GenerateObject(ctx context.Context, input string, schema map[string]any, opts ...RunOption) (model.GenerateResult, error) {
	o := a.resolveOptions(opts)
	op, err := a.beginOperation(ctx, input, o)
	if err != nil {
		beginFailed(o, err)
		return model.GenerateResult{}, err
	}
	run, req := a.buildRun(op)
	req.Schema = schema
	res, genErr := run.GenerateObject(op.ctx, a.resolveProvider(o), req, a.callbacks(op))
	a.finalize(op, objectSummary(res.Object), res.Usage, genErr)
	return res, genErr
}

// StreamText streams a text generation. Finalization runs
// asynchronously once the returned StreamResult's Text/Usage futures
// resolve.
func (a *Agent) StreamText(ctx context.Context, input string, opts ...RunOption) (model.StreamResult, error) {
	o := a.resolveOptions(opts)
	op, err := a.beginOperation(ctx, input, o)
	if err != nil {
		beginFailed(o, err)
		return model.StreamResult{}, err
	}
	run, req := a.buildRun(op)
	res, err := run.StreamText(op.ctx, a.resolveProvider(o), req, a.callbacks(op))
	if err != nil {
		a.finalize(op, "", model.Usage{}, err)
		return res, err
	}
	go a.finalizeFromStream(op, res)
	return res, nil
}

// StreamObject is the schema-constrained variant of StreamText.
func (a *Agent) StreamObject(ctx context.Context, input string, schema map[string]any, opts ...RunOption) (model.StreamResult, error) {
	o := a.resolveOptions(opts)
	op, err := a.beginOperation(ctx, input, o)
	if err != nil {
		beginFailed(o, err)
		return model.StreamResult{}, err
	}
	run, req := a.buildRun(op)
	req.Schema = schema
	res, err := run.StreamObject(op.ctx, a.resolveProvider(o), req, a.callbacks(op))
	if err != nil {
		a.finalize(op, "", model.Usage{}, err)
		return res, err
	}
	go a.finalizeFromStream(op, res)
	return res, nil
}

func (a *Agent) finalizeFromStream(op *operation, res model.StreamResult) {
	text, textErr := res.Text(op.ctx)
	usage, usageErr := res.Usage(op.ctx)
	err := textErr
	if err == nil {
		err = usageErr
	}
	a.finalize(op, text, usage, err)
}

func objectSummary(object map[string]any) string {
	if object == nil {
		return ""
	}
	raw, err := json.Marshal(object)
	if err != nil {
		return ""
	}
	return string(raw)
}

// finalize updates the HistoryEntry, emits the terminal event, and invokes
// the caller's onFinish/onError hook exactly once per operation, whichever
// path terminated it.
func (a *Agent) finalize(op *operation, text string, usage model.Usage, err error) {
	status := history.StatusCompleted
	hUsage := history.Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens}

	if err != nil {
		status = history.StatusError
		_ = a.History.UpdateEntry(op.ctx, op.entry.ID, history.PartialUpdate{Status: &status, Output: strPtr(err.Error())})
		if isCancelled(err) {
			a.publish(context.Background(), hooks.NameOperationCancelled, op.entry, map[string]any{"reason": err.Error()})
		} else {
			a.publish(context.Background(), hooks.NameOperationFailed, op.entry, map[string]any{"error": err.Error()})
		}
		if op.o.onError != nil {
			op.o.onError(err)
		}
		return
	}

	_ = a.History.UpdateEntry(op.ctx, op.entry.ID, history.PartialUpdate{Status: &status, Output: &text, Usage: &hUsage})
	a.publish(context.Background(), hooks.NameOperationCompleted, op.entry, map[string]any{"output": text})
	if op.o.onFinish != nil {
		op.o.onFinish(text)
	}
}

// beginFailed surfaces a preparation failure through the caller's onError
// hook before the operation function returns it, so error paths invoke the
// hook exactly once like every other terminal path.
func beginFailed(o *runOptions, err error) {
	if o.onError != nil {
		o.onError(err)
	}
}

func (a *Agent) failEntry(ctx context.Context, entry *history.Entry, err error) {
	status := history.StatusError
	msg := err.Error()
	_ = a.History.UpdateEntry(ctx, entry.ID, history.PartialUpdate{Status: &status, Output: &msg})
	a.publish(ctx, hooks.NameOperationFailed, entry, map[string]any{"error": msg})
}

func (a *Agent) publish(ctx context.Context, name string, entry *history.Entry, data map[string]any) {
	if a.Bus == nil {
		return
	}
	_ = a.Bus.Publish(ctx, hooks.Event{
		ID:              ids.NewEventID(),
		Timestamp:       time.Now().UnixNano(),
		Name:            name,
		Type:            kindFor(name),
		AgentID:         a.ID,
		HistoryEntryID:  entry.ID,
		ParentAgentID:   entry.ParentAgentID,
		ParentHistoryID: entry.ParentHistoryEntryID,
		Data:            data,
	})
}

// kindFor derives the TimelineEvent type from the event's dotted name.
func kindFor(name string) hooks.Kind {
	switch {
	case strings.HasPrefix(name, "retriever:"):
		return hooks.KindRetriever
	case strings.HasPrefix(name, "memory:"):
		return hooks.KindMemory
	case strings.HasPrefix(name, "tool:"):
		return hooks.KindTool
	default:
		return hooks.KindAgent
	}
}

func isCancelled(err error) bool {
	return coreerr.IsCode(err, coreerr.Cancelled) || errors.Is(err, context.Canceled)
}

func strPtr(s string) *string { return &s }
