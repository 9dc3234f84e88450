package opctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/opctx"
)

func newOC(t *testing.T) *opctx.Context {
	t.Helper()
	oc, _ := opctx.New(context.Background(), "op_test", nil, nil)
	return oc
}

func TestAttachDetachToolSpan(t *testing.T) {
	oc := newOC(t)

	require.NoError(t, oc.AttachToolSpan("call_1", nil))
	assert.Equal(t, 1, oc.ActiveToolSpanCount())
	assert.True(t, oc.HasToolSpan("call_1"))

	_, ok := oc.DetachToolSpan("call_1")
	assert.True(t, ok)
	assert.Equal(t, 0, oc.ActiveToolSpanCount())

	// Idempotent: second detach returns false, no panic.
	_, ok = oc.DetachToolSpan("call_1")
	assert.False(t, ok)
}

func TestAttachToolSpanDuplicate(t *testing.T) {
	oc := newOC(t)
	require.NoError(t, oc.AttachToolSpan("call_1", nil))
	err := oc.AttachToolSpan("call_1", nil)
	require.Error(t, err)
	assert.True(t, coreerr.IsCode(err, coreerr.ToolExecutionFailed))
}

func TestCancelPreventsFurtherAttach(t *testing.T) {
	oc := newOC(t)
	oc.Cancel(nil)
	assert.False(t, oc.IsActive())

	err := oc.AttachToolSpan("call_1", nil)
	require.Error(t, err)
	assert.True(t, coreerr.IsCode(err, coreerr.Cancelled))
}

func TestCancelIdempotent(t *testing.T) {
	oc := newOC(t)
	oc.Cancel(coreerr.New(coreerr.Cancelled, "first"))
	oc.Cancel(coreerr.New(coreerr.Cancelled, "second"))
	assert.False(t, oc.IsActive())
}

func TestEventUpdaterBalance(t *testing.T) {
	oc := newOC(t)
	called := false
	oc.RegisterEventUpdater("evt_1", func(status string, data map[string]any) { called = true })
	assert.Equal(t, 1, oc.ActiveEventUpdaterCount())

	updater, ok := oc.TakeEventUpdater("evt_1")
	require.True(t, ok)
	updater("completed", nil)
	assert.True(t, called)
	assert.Equal(t, 0, oc.ActiveEventUpdaterCount())

	_, ok = oc.TakeEventUpdater("evt_1")
	assert.False(t, ok)
}

func TestUserContextIsolatedCopy(t *testing.T) {
	oc := newOC(t)
	oc.SetUserContext("k", "v")
	snap := oc.UserContext()
	snap["k"] = "mutated"
	assert.Equal(t, map[string]any{"k": "v"}, oc.UserContext())
}
