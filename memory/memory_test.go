package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/hooks"
	"goa.design/agentcore/memory"
)

func TestPrepareContextCreatesConversationLazily(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	bus := hooks.NewBus()
	mgr := memory.New(backend, bus)

	window, convID, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "hello"}, nil, "agent-1", "user-1", "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, convID)
	assert.Empty(t, window) // nothing existed before this turn

	conv, exists, err := backend.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "agent-1", conv.ResourceID)

	stored, err := backend.GetMessages(ctx, "user-1", convID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestPrepareContextReusesExistingConversation(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	mgr := memory.New(backend, hooks.NewBus())

	_, convID, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "first"}, nil, "agent-1", "user-1", "", 10)
	require.NoError(t, err)

	window, convID2, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "second"}, nil, "agent-1", "user-1", convID, 10)
	require.NoError(t, err)
	assert.Equal(t, convID, convID2)
	require.Len(t, window, 1)
	assert.Equal(t, "first", window[0].Content)
}

func TestPrepareContextRespectsContextLimit(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	mgr := memory.New(backend, hooks.NewBus())

	convID := ""
	for i := 0; i < 5; i++ {
		_, id, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "msg"}, nil, "agent-1", "user-1", convID, 2)
		require.NoError(t, err)
		convID = id
	}
	window, _, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "final"}, nil, "agent-1", "user-1", convID, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(window), 2)
}

func TestDisabledManagerSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	mgr := memory.New(backend, hooks.NewBus(), memory.WithDisabled(true))

	window, convID, err := mgr.PrepareContext(ctx, memory.InputMessage{Text: "hello"}, nil, "agent-1", "user-1", "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, convID)
	assert.Nil(t, window)

	_, exists, _ := backend.GetConversation(ctx, convID)
	assert.False(t, exists)

	handler := mgr.StepHandler(ctx, "agent-1", "user-1", convID)
	handler(ctx, memory.MessageText, "should be a no-op")
	msgs, _ := backend.GetMessages(ctx, "user-1", convID, 10)
	assert.Empty(t, msgs)
}

func TestStepHandlerPersistsAndEmitsMemoryAppended(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewInMemoryBackend()
	bus := hooks.NewBus()
	var seen []hooks.Event
	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		seen = append(seen, e)
		return nil
	}))
	require.NoError(t, err)

	mgr := memory.New(backend, bus)
	handler := mgr.StepHandler(ctx, "agent-1", "user-1", "conv-1")
	handler(ctx, memory.MessageText, "assistant reply")

	msgs, err := backend.GetMessages(ctx, "user-1", "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant reply", msgs[0].Content)

	require.Len(t, seen, 1)
	assert.Equal(t, hooks.NameMemoryAppended, seen[0].Name)
}
