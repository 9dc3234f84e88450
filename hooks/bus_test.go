package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/hooks"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()

	count := 0
	sub := hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		count++
		return nil
	})
	_, err := bus.Register(hooks.Wildcard, sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationStarted}))
	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationCompleted}))
	assert.Equal(t, 2, count)
	assert.EqualValues(t, 1, bus.Count(hooks.NameOperationStarted))
}

func TestBusRegisterNil(t *testing.T) {
	bus := hooks.NewBus()
	_, err := bus.Register(hooks.Wildcard, nil)
	require.Error(t, err)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	count := 0
	sub := hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		count++
		return nil
	})
	sub2, err := bus.Register(hooks.Wildcard, sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationStarted}))
	require.NoError(t, sub2.Close())
	require.NoError(t, sub2.Close()) // idempotent
	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationCompleted}))

	assert.Equal(t, 1, count)
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
			order = append(order, i)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationStarted}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	boom := errors.New("boom")
	called2 := false

	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		called2 = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, hooks.Event{Name: hooks.NameOperationStarted})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called2)
}

func TestBusHierarchicalPropagation(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	var seen []hooks.Event
	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		seen = append(seen, event)
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, hooks.Event{
		Name:            hooks.NameToolCompleted,
		Type:            hooks.KindTool,
		AgentID:         "child",
		HistoryEntryID:  "child-entry",
		ParentAgentID:   "parent",
		ParentHistoryID: "parent-entry",
	}))

	require.Len(t, seen, 2)
	assert.Equal(t, "child", seen[0].AgentID)
	assert.Equal(t, "parent", seen[1].AgentID)
	assert.Equal(t, "child", seen[1].SourceAgentID)
	assert.Equal(t, "parent-entry", seen[1].HistoryEntryID)
	assert.EqualValues(t, 2, bus.Count(hooks.NameToolCompleted))
}

func TestBusNoPropagationWithoutParentIds(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	count := 0
	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, hooks.Event{Name: hooks.NameToolCompleted, Type: hooks.KindTool}))
	assert.Equal(t, 1, count)
}

func TestBusNoPropagationForMemoryEvents(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	count := 0
	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, hooks.Event{
		Name:            hooks.NameMemoryAppended,
		Type:            hooks.KindMemory,
		ParentAgentID:   "parent",
		ParentHistoryID: "parent-entry",
	}))
	assert.Equal(t, 1, count) // memory events are not agent/tool, no propagation
}
