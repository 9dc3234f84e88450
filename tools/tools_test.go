package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/hooks"
	"goa.design/agentcore/ids"
	"goa.design/agentcore/opctx"
	"goa.design/agentcore/telemetry"
	"goa.design/agentcore/tools"
)

// TestWrap_ToolCallRoundTrip: a weather-tool call emits
// tool:started/tool:completed and leaves the tool span balanced.
func TestWrap_ToolCallRoundTrip(t *testing.T) {
	bus := hooks.NewBus()
	var names []string
	_, err := bus.Register(hooks.Wildcard, hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		names = append(names, e.Name)
		return nil
	}))
	require.NoError(t, err)

	weather := tools.Func{
		S: tools.Spec{Name: "weather-tool", Description: "looks up the weather"},
		E: func(_ context.Context, args map[string]any, _ tools.ExecOptions) (any, error) {
			require.Equal(t, "San Francisco", args["location"])
			return map[string]any{"temp": 68, "condition": "sunny"}, nil
		},
	}
	wrapped := tools.Wrap(weather, bus)

	oc, ctx := opctx.New(context.Background(), ids.NewOperationID(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	result, err := wrapped.Execute(ctx, map[string]any{"location": "San Francisco"}, tools.ExecOptions{
		OperationContext: oc,
		ToolCallID:       "call_1",
		AgentID:          "agent-1",
		HistoryEntryID:   "entry-1",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"temp": 68, "condition": "sunny"}, result)

	require.Equal(t, []string{hooks.NameToolStarted, hooks.NameToolCompleted}, names)
	require.Equal(t, 0, oc.ActiveToolSpanCount(), "tool span must be detached after completion")
}

func TestWrap_FailureDetachesSpanAndRethrows(t *testing.T) {
	bus := hooks.NewBus()
	boom := errors.New("boom")
	failing := tools.Func{
		S: tools.Spec{Name: "flaky"},
		E: func(context.Context, map[string]any, tools.ExecOptions) (any, error) {
			return nil, boom
		},
	}
	wrapped := tools.Wrap(failing, bus)

	oc, ctx := opctx.New(context.Background(), ids.NewOperationID(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	_, err := wrapped.Execute(ctx, nil, tools.ExecOptions{OperationContext: oc, ToolCallID: "call_2"})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, oc.ActiveToolSpanCount())
}

func TestWrap_MintsToolCallIDWhenAbsent(t *testing.T) {
	var seen string
	h := tools.Func{
		S: tools.Spec{Name: "anon"},
		E: func(_ context.Context, _ map[string]any, opts tools.ExecOptions) (any, error) {
			seen = opts.ToolCallID
			return nil, nil
		},
	}
	wrapped := tools.Wrap(h, hooks.NewBus())
	oc, ctx := opctx.New(context.Background(), ids.NewOperationID(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	_, err := wrapped.Execute(ctx, nil, tools.ExecOptions{OperationContext: oc})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
}

func TestWrap_SchemaValidationRejectsBadArguments(t *testing.T) {
	spec, err := tools.NewSpec("typed", "", map[string]any{
		"type":                 "object",
		"required":             []any{"location"},
		"additionalProperties": false,
		"properties": map[string]any{
			"location": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	h := tools.Func{S: spec, E: func(context.Context, map[string]any, tools.ExecOptions) (any, error) {
		return "ok", nil
	}}
	wrapped := tools.Wrap(h, hooks.NewBus())
	oc, ctx := opctx.New(context.Background(), ids.NewOperationID(), telemetry.NewNoopLogger(), telemetry.NewNoopTracer())

	_, err = wrapped.Execute(ctx, map[string]any{}, tools.ExecOptions{OperationContext: oc, ToolCallID: "call_3"})
	require.Error(t, err)
	require.Equal(t, 0, oc.ActiveToolSpanCount())
}

func TestReservedReasoningTools(t *testing.T) {
	require.True(t, tools.ReservedReasoningTools["think"])
	require.True(t, tools.ReservedReasoningTools["analyze"])
	require.False(t, tools.ReservedReasoningTools["weather-tool"])
}
