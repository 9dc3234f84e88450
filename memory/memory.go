// Package memory implements the Memory Manager: conversation-scoped
// message storage and retrieval, lazy conversation creation, and the engine
// step-persistence closures the Generation Engine calls per step.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/agentcore/hooks"
	"goa.design/agentcore/ids"
	"goa.design/agentcore/telemetry"
)

// Role mirrors model.Role for stored messages.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageType tags the kind of turn a MemoryMessage records.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolCall   MessageType = "tool-call"
	MessageToolResult MessageType = "tool-result"
)

// Message is one stored turn.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Type      MessageType
	CreatedAt time.Time
}

// Conversation groups messages under a (userId, conversationId) key.
type Conversation struct {
	ID          string
	ResourceID  string // = agentId
	Title       string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Backend is the pluggable MemoryBackend contract, reduced to the
// message/conversation subset the Memory Manager needs; history persistence
// is handled separately by the history package.
type Backend interface {
	GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]Message, error)
	AddMessage(ctx context.Context, msg Message, userID, conversationID string) error
	ClearMessages(ctx context.Context, userID, conversationID string) error

	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, bool, error)
	UpdateConversation(ctx context.Context, id string, title string) error
	DeleteConversation(ctx context.Context, id string) error
}

// InputMessage is either a plain string or a pre-formed Message.
type InputMessage struct {
	Text    string
	Message *Message
}

// Manager is the Memory Manager.
type Manager struct {
	backend  Backend
	bus      hooks.Bus
	disabled bool
	logger   telemetry.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDisabled marks the manager disabled: stepHandler returns a no-op
// closure and prepareContext skips persistence.
func WithDisabled(disabled bool) Option {
	return func(m *Manager) { m.disabled = disabled }
}

// WithLogger attaches a logger used to report persistence failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager backed by backend, publishing memory events on bus.
func New(backend Backend, bus hooks.Bus, opts ...Option) *Manager {
	m := &Manager{backend: backend, bus: bus, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PrepareContext ensures a conversation exists, loads up to contextLimit
// prior messages, appends the new input, and returns the pre-input window
// plus the resolved conversationId. The conversation is owned by the
// (userID, conversationID) key; agentID becomes its ResourceID.
func (m *Manager) PrepareContext(ctx context.Context, input InputMessage, inputs []InputMessage, agentID, userID, conversationID string, contextLimit int) ([]Message, string, error) {
	if conversationID == "" {
		conversationID = ids.NewConversationID()
	}
	if m.disabled || m.backend == nil {
		return nil, conversationID, nil
	}

	if _, exists, err := m.backend.GetConversation(ctx, conversationID); err != nil {
		return nil, conversationID, err
	} else if !exists {
		if err := m.backend.CreateConversation(ctx, Conversation{
			ID:         conversationID,
			ResourceID: agentID,
			Title:      fmt.Sprintf("New Chat %s", time.Now().Format(time.RFC3339)),
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}); err != nil {
			return nil, conversationID, err
		}
	}

	window, err := m.backend.GetMessages(ctx, userID, conversationID, contextLimit)
	if err != nil {
		return nil, conversationID, err
	}
	sort.Slice(window, func(i, j int) bool { return window[i].CreatedAt.Before(window[j].CreatedAt) })

	toPersist := inputs
	if len(toPersist) == 0 && (input.Text != "" || input.Message != nil) {
		toPersist = []InputMessage{input}
	}
	for _, in := range toPersist {
		msg := in.Message
		if msg == nil {
			msg = &Message{ID: ids.New(), Role: RoleUser, Type: MessageText, Content: in.Text, CreatedAt: time.Now()}
		}
		if err := m.backend.AddMessage(ctx, *msg, userID, conversationID); err != nil {
			return window, conversationID, err
		}
	}

	return window, conversationID, nil
}

// StepPersister is the closure type the Generation Engine invokes per step.
type StepPersister func(ctx context.Context, kind MessageType, content string)

// StepHandler returns a closure that persists text/tool_call/tool_result
// steps as MemoryMessages. Storage failures are captured and emitted as a
// memory:persist_failed TimelineEvent; the closure always returns normally.
func (m *Manager) StepHandler(ctx context.Context, agentID, userID, conversationID string) StepPersister {
	if m.disabled || m.backend == nil {
		return func(context.Context, MessageType, string) {}
	}
	return func(stepCtx context.Context, kind MessageType, content string) {
		role := RoleAssistant
		if kind == MessageToolResult {
			role = RoleTool
		}
		msg := Message{ID: ids.New(), Role: role, Type: kind, Content: content, CreatedAt: time.Now()}
		if err := m.backend.AddMessage(stepCtx, msg, userID, conversationID); err != nil {
			m.logger.Warn(stepCtx, "memory persist failed", "error", err, "agentId", agentID, "conversationId", conversationID)
			if m.bus != nil {
				_ = m.bus.Publish(stepCtx, hooks.Event{
					ID:        ids.NewEventID(),
					Name:      hooks.NameMemoryPersistFailed,
					Type:      hooks.KindMemory,
					AgentID:   agentID,
					Timestamp: time.Now().UnixNano(),
					Data:      map[string]any{"error": err.Error()},
				})
			}
			return
		}
		if m.bus != nil {
			_ = m.bus.Publish(stepCtx, hooks.Event{
				ID:        ids.NewEventID(),
				Name:      hooks.NameMemoryAppended,
				Type:      hooks.KindMemory,
				AgentID:   agentID,
				Timestamp: time.Now().UnixNano(),
			})
		}
	}
}

// inMemoryBackend is the reference Backend. Concrete durable backends
// (SQL/document stores) plug in through the Backend interface.
type inMemoryBackend struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message // key: userID + "\x00" + conversationID
}

// NewInMemoryBackend constructs an in-memory Backend.
func NewInMemoryBackend() Backend {
	return &inMemoryBackend{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func key(userID, conversationID string) string { return userID + "\x00" + conversationID }

func (b *inMemoryBackend) GetMessages(_ context.Context, userID, conversationID string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.messages[key(userID, conversationID)]
	if limit <= 0 || limit >= len(all) {
		out := make([]Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]Message, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (b *inMemoryBackend) AddMessage(_ context.Context, msg Message, userID, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(userID, conversationID)
	b.messages[k] = append(b.messages[k], msg)
	return nil
}

func (b *inMemoryBackend) ClearMessages(_ context.Context, userID, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.messages, key(userID, conversationID))
	return nil
}

func (b *inMemoryBackend) CreateConversation(_ context.Context, c Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[c.ID] = c
	return nil
}

func (b *inMemoryBackend) GetConversation(_ context.Context, id string) (Conversation, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	return c, ok, nil
}

func (b *inMemoryBackend) UpdateConversation(_ context.Context, id string, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok {
		return fmt.Errorf("memory: conversation %q not found", id)
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	b.conversations[id] = c
	return nil
}

func (b *inMemoryBackend) DeleteConversation(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, id)
	return nil
}
