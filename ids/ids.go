// Package ids mints the opaque identifiers used throughout the core:
// operation, history entry, tool call, event and conversation ids.
package ids

import "github.com/google/uuid"

// New returns a fresh opaque identifier.
func New() string {
	return uuid.NewString()
}

// NewOperationID mints an operation id, which doubles as the HistoryEntry id.
func NewOperationID() string {
	return "op_" + uuid.NewString()
}

// NewToolCallID mints a tool call id, used when the provider does not
// supply one.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// NewEventID mints a TimelineEvent id.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// NewConversationID mints a Conversation id.
func NewConversationID() string {
	return "conv_" + uuid.NewString()
}
