package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/history"
)

func newEntry(id string) *history.Entry {
	return &history.Entry{
		ID:        id,
		AgentID:   "agent-1",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Status:    history.StatusWorking,
	}
}

func TestAddAndGetEntry(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	e := newEntry("entry-1")
	require.NoError(t, store.AddEntry(ctx, e))

	got, ok := store.GetEntry(ctx, "entry-1")
	require.True(t, ok)
	assert.Equal(t, "entry-1", got.ID)

	_, ok = store.GetEntry(ctx, "missing")
	assert.False(t, ok)
}

func TestAddEntryDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))
	err := store.AddEntry(ctx, newEntry("entry-1"))
	require.Error(t, err)
}

func TestAppendStepOrderingPerEntry(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendStep(ctx, "entry-1", history.Step{Kind: history.StepText, Text: string(rune('a' + i))}))
	}
	got, _ := store.GetEntry(ctx, "entry-1")
	require.Len(t, got.Steps, 5)
	for i, s := range got.Steps {
		assert.Equal(t, string(rune('a'+i)), s.Text)
	}
}

func TestUpdateTrackedEventByID(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))
	require.NoError(t, store.AppendEvent(ctx, "entry-1", history.TimelineEvent{
		ID: "evt-1", Name: "tool:started", Status: "pending",
	}))

	require.NoError(t, store.UpdateTrackedEvent(ctx, "entry-1", "evt-1", "completed", map[string]any{"result": "ok"}))

	got, _ := store.GetEntry(ctx, "entry-1")
	require.Len(t, got.Events, 1)
	assert.Equal(t, "completed", got.Events[0].Status)
	assert.Equal(t, "ok", got.Events[0].Data["result"])
}

func TestUpdateTrackedEventByDataField(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))
	require.NoError(t, store.AppendEvent(ctx, "entry-1", history.TimelineEvent{
		ID: "evt-1", Name: "tool:started", Status: "pending",
		TrackedEventID: "tracked-xyz",
	}))

	require.NoError(t, store.UpdateTrackedEvent(ctx, "entry-1", "tracked-xyz", "completed", nil))
	got, _ := store.GetEntry(ctx, "entry-1")
	assert.Equal(t, "completed", got.Events[0].Status)
}

func TestUpdateTrackedEventNotFoundDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))
	require.NoError(t, store.AppendEvent(ctx, "entry-1", history.TimelineEvent{ID: "evt-1", Status: "pending"}))

	err := store.UpdateTrackedEvent(ctx, "entry-1", "does-not-exist", "completed", nil)
	require.Error(t, err)

	got, _ := store.GetEntry(ctx, "entry-1")
	assert.Equal(t, "pending", got.Events[0].Status)
}

func TestClearCascadesEntries(t *testing.T) {
	ctx := context.Background()
	store := history.NewInMemoryStore()
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-1")))
	require.NoError(t, store.AddEntry(ctx, newEntry("entry-2")))

	require.NoError(t, store.Clear(ctx, "agent-1"))

	entries, err := store.EntriesFor(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, ok := store.GetEntry(ctx, "entry-1")
	assert.False(t, ok)
}

// TestHistoryMonotonicityProperty verifies spec invariant 1: for every
// HistoryEntry, UpdatedAt and SequenceNumber are non-decreasing across
// observed updates.
func TestHistoryMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sequence number strictly increases per mutation", prop.ForAll(
		func(steps int) bool {
			ctx := context.Background()
			store := history.NewInMemoryStore()
			if err := store.AddEntry(ctx, newEntry("entry-1")); err != nil {
				return false
			}
			var lastSeq uint64
			var lastUpdated time.Time
			for i := 0; i < steps; i++ {
				if err := store.AppendStep(ctx, "entry-1", history.Step{Kind: history.StepText, Text: "x"}); err != nil {
					return false
				}
				got, ok := store.GetEntry(ctx, "entry-1")
				if !ok {
					return false
				}
				if got.SequenceNumber <= lastSeq && i > 0 {
					return false
				}
				if got.UpdatedAt.Before(lastUpdated) {
					return false
				}
				lastSeq = got.SequenceNumber
				lastUpdated = got.UpdatedAt
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// TestAtMostOneTerminalProperty verifies spec invariant 4: exactly one of
// completed/error is recorded after termination, never both.
func TestAtMostOneTerminalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	terminal := gen.OneConstOf(history.StatusCompleted, history.StatusError)

	properties.Property("a terminal update records exactly one terminal status", prop.ForAll(
		func(first, second history.Status) bool {
			ctx := context.Background()
			store := history.NewInMemoryStore()
			if err := store.AddEntry(ctx, newEntry("entry-1")); err != nil {
				return false
			}
			if err := store.UpdateEntry(ctx, "entry-1", history.PartialUpdate{Status: &first}); err != nil {
				return false
			}
			got, _ := store.GetEntry(ctx, "entry-1")
			return got.Status == first && (got.Status == history.StatusCompleted || got.Status == history.StatusError)
		},
		terminal,
		terminal,
	))

	properties.TestingRun(t)
}
