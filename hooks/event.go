package hooks

// Kind categorizes a TimelineEvent.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindTool      Kind = "tool"
	KindMemory    Kind = "memory"
	KindRetriever Kind = "retriever"
	KindSystem    Kind = "system"
)

// Well-known dotted event names ("component:operation").
const (
	NameOperationStarted   = "operation:started"
	NameOperationCompleted = "operation:completed"
	NameOperationFailed    = "operation:failed"
	NameOperationCancelled = "operation:cancelled"

	NameToolStarted   = "tool:started"
	NameToolCompleted = "tool:completed"
	NameToolFailed    = "tool:failed"

	NameRetrieverStarted   = "retriever:started"
	NameRetrieverCompleted = "retriever:completed"
	NameRetrieverFailed    = "retriever:failed"

	NameMemoryAppended      = "memory:appended"
	NameMemoryPersistFailed = "memory:persist_failed"

	NameSubAgentCreated = "subagent:created"
)

// Event is a published TimelineEvent. The wildcard
// topic receives every event regardless of Name.
type Event struct {
	ID        string
	Timestamp int64
	UpdatedAt int64
	Name      string
	Type      Kind
	Status    string

	AgentID         string
	HistoryEntryID  string
	AffectedNodeID  string
	SourceAgentID   string
	ParentAgentID   string
	ParentHistoryID string

	// TrackedEventID, when non-empty, marks this event as addressable for
	// later in-place updates.
	TrackedEventID string

	Data map[string]any
}

// IsAgentOrTool reports whether the event belongs to a topic family eligible
// for hierarchical propagation to a parent agent.
func (e Event) IsAgentOrTool() bool {
	return e.Type == KindAgent || e.Type == KindTool
}
