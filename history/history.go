// Package history implements the History Store: an append-only typed
// log of HistoryEntries, each carrying an ordered list of Steps and
// TimelineEvents, with update-in-place of tracked events.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/hooks"
)

// Status is a HistoryEntry's lifecycle status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// StepKind tags a Step variant.
type StepKind string

const (
	StepText       StepKind = "text"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepMessage    StepKind = "message"
)

// Step is one turn of the model/tool interaction.
type Step struct {
	Kind StepKind

	Text string // StepText

	ToolCallID string         // StepToolCall, StepToolResult
	ToolName   string         // StepToolCall, StepToolResult
	Arguments  map[string]any // StepToolCall

	Result    any   // StepToolResult, on success
	ResultErr error // StepToolResult, on failure

	MessageRole string // StepMessage
	Message     string // StepMessage

	CreatedAt time.Time
}

// Usage is the token accounting triple.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TimelineEvent is an observable transition recorded on a HistoryEntry.
type TimelineEvent = hooks.Event

// Entry is the durable record of one request.
type Entry struct {
	ID        string
	AgentID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    Status

	Input  any
	Output string
	Usage  Usage

	Steps  []Step
	Events []TimelineEvent

	ParentAgentID        string
	ParentHistoryEntryID string
	UserContext          map[string]any

	SequenceNumber uint64
}

// PartialUpdate merges non-nil fields into an Entry via UpdateEntry.
type PartialUpdate struct {
	Status *Status
	Output *string
	Usage  *Usage
}

// Store is the History Store contract.
type Store interface {
	AddEntry(ctx context.Context, entry *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, bool)
	UpdateEntry(ctx context.Context, id string, update PartialUpdate) error
	AppendStep(ctx context.Context, entryID string, step Step) error
	AppendEvent(ctx context.Context, entryID string, event TimelineEvent) error
	UpdateTrackedEvent(ctx context.Context, entryID, trackedEventID string, status string, data map[string]any) error
	EntriesFor(ctx context.Context, agentID string) ([]*Entry, error)
	// Clear removes every entry for agentID along with its steps and
	// events. Nothing in the data model supports an entry with no
	// provenance, so clearing cascades.
	Clear(ctx context.Context, agentID string) error
}

// memStore is the in-memory reference Store. Concrete durable backends
// (SQL, document stores) plug in through the Store interface; this exists
// so the module is runnable and testable on its own. A single mutex
// serializes all mutations, which trivially satisfies the per-entry
// ordering guarantee.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   map[string][]string // agentID -> entry ids in creation order
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore() Store {
	return &memStore{
		entries: make(map[string]*Entry),
		order:   make(map[string][]string),
	}
}

func (s *memStore) AddEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return coreerr.Newf(coreerr.HistoryPersistFailed, "duplicate entry id %q", entry.ID)
	}
	cp := *entry
	s.entries[entry.ID] = &cp
	s.order[entry.AgentID] = append(s.order[entry.AgentID], entry.ID)
	return nil
}

func (s *memStore) GetEntry(_ context.Context, id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return snapshot(e), true
}

// snapshot copies e with its own step/event slices so readers never observe
// later in-place mutations; a returned entry must be stable.
func snapshot(e *Entry) *Entry {
	cp := *e
	cp.Steps = append([]Step(nil), e.Steps...)
	cp.Events = append([]TimelineEvent(nil), e.Events...)
	return &cp
}

func (s *memStore) UpdateEntry(_ context.Context, id string, update PartialUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return coreerr.Newf(coreerr.HistoryPersistFailed, "entry %q not found", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Output != nil {
		e.Output = *update.Output
	}
	if update.Usage != nil {
		e.Usage = *update.Usage
	}
	e.UpdatedAt = time.Now()
	e.SequenceNumber++
	return nil
}

func (s *memStore) AppendStep(_ context.Context, entryID string, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return coreerr.Newf(coreerr.HistoryPersistFailed, "entry %q not found", entryID)
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	e.Steps = append(e.Steps, step)
	e.UpdatedAt = time.Now()
	e.SequenceNumber++
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, entryID string, event TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return coreerr.Newf(coreerr.HistoryPersistFailed, "entry %q not found", entryID)
	}
	e.Events = append(e.Events, event)
	e.UpdatedAt = time.Now()
	e.SequenceNumber++
	return nil
}

func (s *memStore) UpdateTrackedEvent(_ context.Context, entryID, trackedEventID string, status string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return coreerr.Newf(coreerr.HistoryPersistFailed, "entry %q not found", entryID)
	}
	for i := range e.Events {
		evt := &e.Events[i]
		if evt.ID == trackedEventID || evt.TrackedEventID == trackedEventID {
			merged := make(map[string]any, len(evt.Data)+len(data))
			for k, v := range evt.Data {
				merged[k] = v
			}
			for k, v := range data {
				merged[k] = v
			}
			evt.Data = merged
			evt.Status = status
			evt.UpdatedAt = time.Now().UnixNano()
			e.UpdatedAt = time.Now()
			e.SequenceNumber++
			return nil
		}
	}
	return fmt.Errorf("history: tracked event %q not found in entry %q", trackedEventID, entryID)
}

func (s *memStore) EntriesFor(_ context.Context, agentID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[agentID]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, snapshot(e))
		}
	}
	return out, nil
}

func (s *memStore) Clear(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[agentID] {
		delete(s.entries, id)
	}
	delete(s.order, agentID)
	return nil
}
