// Package agent implements the Agent Orchestrator: the top-level
// per-request state machine (initializing -> preparing -> generating ->
// finalizing -> {completed, error, cancelled}) and the Agent surface it
// drives. It is the only package that wires all the others together.
package agent

import (
	"context"
	"sort"
	"sync"

	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/history"
	"goa.design/agentcore/hooks"
	"goa.design/agentcore/memory"
	"goa.design/agentcore/model"
	"goa.design/agentcore/telemetry"
	"goa.design/agentcore/tools"
)

// DelegateTaskTool is the reserved tool name for sub-agent dispatch.
const DelegateTaskTool = "delegate_task"

// RetrievedItem is one retrieval hit.
type RetrievedItem struct {
	Content  string
	Score    float64
	Metadata map[string]any
}

// Retriever is the pluggable retrieval contract: retrieve(query,
// historyEntryId?) -> list<{content, score?, metadata?}>.
type Retriever interface {
	Retrieve(ctx context.Context, query string, historyEntryID string) ([]RetrievedItem, error)
}

// Toolkit groups tools under a name and contributes its own instruction
// addendum to the assembled system message.
type Toolkit struct {
	Name            string
	AddInstructions string
	Tools           []tools.Handle
}

// Agent is both the exposed operation surface (GenerateText/StreamText/
// GenerateObject/StreamObject plus sub-agent and introspection methods) and
// the static descriptor it is configured from. The descriptor-like fields
// below are never mutated after an operation begins; only subAgents and
// the delegation toolkit change post-construction, via AddSubAgent/
// RemoveSubAgent.
type Agent struct {
	ID           string
	Name         string
	Instructions string
	ModelName    string
	Markdown     bool
	MaxHistory   int

	Toolkits  []Toolkit
	Provider  model.Provider
	Retriever Retriever
	Memory    *memory.Manager
	History   history.Store
	Bus       hooks.Bus

	InputGuards  []guardrail.InputGuardrail
	OutputGuards []guardrail.OutputGuardrail

	Logger telemetry.Logger
	Tracer telemetry.Tracer

	mu          sync.RWMutex
	subAgents   map[string]*Agent
	delegateIdx int // index into Toolkits of the delegation toolkit, -1 if absent
}

// Option configures an Agent at construction time.
type Option func(*Agent)

func WithInstructions(text string) Option   { return func(a *Agent) { a.Instructions = text } }
func WithModelName(name string) Option      { return func(a *Agent) { a.ModelName = name } }
func WithMarkdown(enabled bool) Option      { return func(a *Agent) { a.Markdown = enabled } }
func WithMaxHistory(n int) Option           { return func(a *Agent) { a.MaxHistory = n } }
func WithProvider(p model.Provider) Option  { return func(a *Agent) { a.Provider = p } }
func WithRetriever(r Retriever) Option      { return func(a *Agent) { a.Retriever = r } }
func WithMemoryManager(m *memory.Manager) Option { return func(a *Agent) { a.Memory = m } }
func WithHistoryStore(s history.Store) Option    { return func(a *Agent) { a.History = s } }
func WithBus(b hooks.Bus) Option                 { return func(a *Agent) { a.Bus = b } }
func WithLogger(l telemetry.Logger) Option       { return func(a *Agent) { a.Logger = l } }
func WithTracer(t telemetry.Tracer) Option       { return func(a *Agent) { a.Tracer = t } }

// WithToolkit registers one named group of tools and its instruction addendum.
func WithToolkit(tk Toolkit) Option {
	return func(a *Agent) { a.Toolkits = append(a.Toolkits, tk) }
}

// WithTools registers a single, unnamed toolkit, the common case for an
// agent with no toolkit-level addendum.
func WithTools(handles ...tools.Handle) Option {
	return func(a *Agent) { a.Toolkits = append(a.Toolkits, Toolkit{Tools: handles}) }
}

// WithInputGuardrails appends input guardrails, run in declaration order.
func WithInputGuardrails(gs ...guardrail.InputGuardrail) Option {
	return func(a *Agent) { a.InputGuards = append(a.InputGuards, gs...) }
}

// WithOutputGuardrails appends output guardrails, run in declaration order.
func WithOutputGuardrails(gs ...guardrail.OutputGuardrail) Option {
	return func(a *Agent) { a.OutputGuards = append(a.OutputGuards, gs...) }
}

// New constructs an Agent. A nil History/Bus/Logger/Tracer is given a
// working default so the agent is usable standalone; callers that need a
// shared History Store or Event Bus across several agents should pass one
// explicitly via WithHistoryStore/WithBus.
func New(id, name string, opts ...Option) *Agent {
	a := &Agent{
		ID:          id,
		Name:        name,
		MaxHistory:  100,
		Logger:      telemetry.NewNoopLogger(),
		Tracer:      telemetry.NewNoopTracer(),
		subAgents:   make(map[string]*Agent),
		delegateIdx: -1,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.History == nil {
		a.History = history.NewInMemoryStore()
	}
	if a.Bus == nil {
		a.Bus = hooks.NewBus()
	}
	if a.Logger == nil {
		a.Logger = telemetry.NewNoopLogger()
	}
	if a.Tracer == nil {
		a.Tracer = telemetry.NewNoopTracer()
	}
	// Record this agent's published events onto the owning HistoryEntry's
	// timeline. The bus delivers synchronously, so events land in publish
	// order.
	_, _ = a.Bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(ctx context.Context, e hooks.Event) error {
		if e.AgentID != a.ID || e.HistoryEntryID == "" {
			return nil
		}
		_ = a.History.AppendEvent(ctx, e.HistoryEntryID, e)
		return nil
	}))
	return a
}

// AddSubAgent registers sub under its own id, wiring the delegate_task
// toolkit in if this is the first sub-agent.
func (a *Agent) AddSubAgent(sub *Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subAgents[sub.ID] = sub
	if a.delegateIdx < 0 {
		a.delegateIdx = len(a.Toolkits)
		a.Toolkits = append(a.Toolkits, Toolkit{Name: "delegation", Tools: []tools.Handle{a.delegateTool()}})
	}
}

// RemoveSubAgent deregisters the sub-agent with id, dropping the delegation
// toolkit once no sub-agents remain.
func (a *Agent) RemoveSubAgent(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subAgents, id)
	if len(a.subAgents) == 0 && a.delegateIdx >= 0 {
		a.Toolkits = append(a.Toolkits[:a.delegateIdx:a.delegateIdx], a.Toolkits[a.delegateIdx+1:]...)
		a.delegateIdx = -1
	}
}

// subAgent returns the registered sub-agent for id, if any.
func (a *Agent) subAgent(id string) (*Agent, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sub, ok := a.subAgents[id]
	return sub, ok
}

// subAgentsSnapshot returns a stable-ordered copy of the current sub-agents,
// used by the system-message supervisor block and GetFullState.
func (a *Agent) subAgentsSnapshot() []*Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Agent, 0, len(a.subAgents))
	for _, sub := range a.subAgents {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetHistory returns this agent's HistoryEntries in creation order, capped
// to the most recent MaxHistory entries.
func (a *Agent) GetHistory(ctx context.Context) ([]*history.Entry, error) {
	entries, err := a.History.EntriesFor(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if a.MaxHistory > 0 && len(entries) > a.MaxHistory {
		entries = entries[len(entries)-a.MaxHistory:]
	}
	return entries, nil
}

// GetTools returns the identity (name/description/schema) of every tool
// currently exposed to the model, across all toolkits.
func (a *Agent) GetTools() []tools.Spec {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []tools.Spec
	for _, tk := range a.Toolkits {
		for _, h := range tk.Tools {
			out = append(out, h.Spec())
		}
	}
	return out
}

// FullState is the snapshot GetFullState returns: the descriptor plus
// derived, read-only facts about the agent's current wiring.
type FullState struct {
	ID           string
	Name         string
	Instructions string
	ModelName    string
	Markdown     bool
	MaxHistory   int
	ToolNames    []string
	SubAgentIDs  []string
}

// GetFullState returns a snapshot of the agent's descriptor and wiring.
func (a *Agent) GetFullState() FullState {
	var toolNames []string
	for _, s := range a.GetTools() {
		toolNames = append(toolNames, s.Name)
	}
	var subIDs []string
	for _, sub := range a.subAgentsSnapshot() {
		subIDs = append(subIDs, sub.ID)
	}
	return FullState{
		ID: a.ID, Name: a.Name, Instructions: a.Instructions, ModelName: a.ModelName,
		Markdown: a.Markdown, MaxHistory: a.MaxHistory, ToolNames: toolNames, SubAgentIDs: subIDs,
	}
}
