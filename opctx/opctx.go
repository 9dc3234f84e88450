// Package opctx implements the Operation Context: the per-request
// scratchpad threaded through a single generateText/streamText/
// generateObject/streamObject call.
package opctx

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/telemetry"
)

// ctxKey is the private key used to stash a *Context inside a Go context so
// nested calls (sub-agent delegation) can retrieve the originating
// OperationContext when needed.
type ctxKey struct{}

// ToolSpan is the opaque handle an operation context tracks per in-flight
// tool call. Concrete spans are produced by telemetry.Tracer.
type ToolSpan = telemetry.Span

// EventUpdater is a closure that applies an update to a previously emitted
// tracked TimelineEvent.
type EventUpdater func(status string, data map[string]any)

// Context is the per-request mutable state threaded through one operation.
// Single-writer by construction: only the orchestrator driving the request
// mutates most fields; toolSpans and eventUpdaters are also mutated from the
// Generation Engine's step callback, which the engine guarantees runs
// serially with respect to this request, so the mutex below only needs to
// protect against that one additional writer, not arbitrary concurrency.
type Context struct {
	OperationID          string
	StartTime            time.Time
	ParentAgentID        string
	ParentHistoryEntryID string

	Logger telemetry.Logger
	Tracer telemetry.Tracer

	mu            sync.Mutex
	userContext   map[string]any
	isActive      bool
	cancelFn      context.CancelCauseFunc
	toolSpans     map[string]ToolSpan
	eventUpdaters map[string]EventUpdater
}

// New constructs a Context and the derived, cancellable Go context callers
// should pass down into the provider/tool/guardrail suspension points.
func New(parent context.Context, operationID string, logger telemetry.Logger, tracer telemetry.Tracer) (*Context, context.Context) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	cctx, cancel := context.WithCancelCause(parent)
	oc := &Context{
		OperationID:   operationID,
		StartTime:     time.Now(),
		Logger:        logger,
		Tracer:        tracer,
		userContext:   make(map[string]any),
		isActive:      true,
		cancelFn:      cancel,
		toolSpans:     make(map[string]ToolSpan),
		eventUpdaters: make(map[string]EventUpdater),
	}
	return oc, context.WithValue(cctx, ctxKey{}, oc)
}

// FromContext extracts the *Context stashed by New, or nil if absent.
func FromContext(ctx context.Context) *Context {
	if v := ctx.Value(ctxKey{}); v != nil {
		if oc, ok := v.(*Context); ok {
			return oc
		}
	}
	return nil
}

// SetUserContext stores a value under key in the operation's user context map.
func (c *Context) SetUserContext(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userContext[key] = value
}

// UserContext returns a shallow copy of the operation's user context map.
func (c *Context) UserContext() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.userContext))
	for k, v := range c.userContext {
		out[k] = v
	}
	return out
}

// IsActive reports whether the operation has not yet been cancelled.
func (c *Context) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isActive
}

// Cancel transitions isActive to false and signals the cancellation handle.
// Safe to call multiple times; only the first caller's reason is recorded.
func (c *Context) Cancel(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isActive {
		return
	}
	c.isActive = false
	if reason == nil {
		reason = coreerr.New(coreerr.Cancelled, "operation cancelled")
	}
	c.cancelFn(reason)
}

// AttachToolSpan registers span under toolCallId. Fails with
// coreerr.ToolExecutionFailed("duplicate tool span") if already present, and
// with coreerr.Cancelled if the operation is no longer active.
func (c *Context) AttachToolSpan(toolCallID string, span ToolSpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isActive {
		return coreerr.New(coreerr.Cancelled, "operation inactive: cannot attach tool span").
			WithMetadata("toolCallId", toolCallID)
	}
	if _, exists := c.toolSpans[toolCallID]; exists {
		return coreerr.Newf(coreerr.ToolExecutionFailed, "duplicate tool span for toolCallId %q", toolCallID)
	}
	c.toolSpans[toolCallID] = span
	return nil
}

// DetachToolSpan removes and returns the span for toolCallId, if present.
// Idempotent: a second call for the same id returns (nil, false).
func (c *Context) DetachToolSpan(toolCallID string) (ToolSpan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	span, ok := c.toolSpans[toolCallID]
	if ok {
		delete(c.toolSpans, toolCallID)
	}
	return span, ok
}

// ActiveToolSpanCount returns the number of tool spans currently attached;
// used by unit tests to assert tool-span balance at request end.
func (c *Context) ActiveToolSpanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.toolSpans)
}

// HasToolSpan reports whether toolCallId currently has an attached span.
// Duplicate dispatch of the same call is rejected by AttachToolSpan itself.
func (c *Context) HasToolSpan(toolCallID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.toolSpans[toolCallID]
	return ok
}

// RegisterEventUpdater registers an updater closure under trackedEventID.
func (c *Context) RegisterEventUpdater(trackedEventID string, updater EventUpdater) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventUpdaters[trackedEventID] = updater
}

// TakeEventUpdater removes and returns the updater for trackedEventID, if any.
func (c *Context) TakeEventUpdater(trackedEventID string) (EventUpdater, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.eventUpdaters[trackedEventID]
	if ok {
		delete(c.eventUpdaters, trackedEventID)
	}
	return u, ok
}

// ActiveEventUpdaterCount returns the number of registered-but-untaken
// updaters; used by unit tests to assert event-updater balance.
func (c *Context) ActiveEventUpdaterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.eventUpdaters)
}
