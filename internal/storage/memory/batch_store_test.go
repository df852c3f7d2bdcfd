package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rankpulse/rankpulse/internal/rank"
)

func TestClaimNextRunFIFO(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-new", AccountID: "acct-1", Status: rank.RunStatusPending, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-old", AccountID: "acct-1", Status: rank.RunStatusPending, CreatedAt: base,
	}))

	run, err := store.ClaimNextRun(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "run-old", run.ID)
	require.Equal(t, rank.RunStatusProcessing, run.Status)
	require.NotNil(t, run.StartedAt)
}

func TestClaimNextRunHonorsSchedule(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	later := base.Add(time.Hour)

	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-later", Status: rank.RunStatusPending, CreatedAt: base, ScheduledFor: &later,
	}))

	_, err := store.ClaimNextRun(ctx, base)
	require.ErrorIs(t, err, rank.ErrNoEligibleRun)

	run, err := store.ClaimNextRun(ctx, later)
	require.NoError(t, err)
	require.Equal(t, "run-later", run.ID)
}

func TestListPendingItemsBounded(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	items := []rank.BatchItem{
		{ID: "i1", RunID: "run-1", DesktopStatus: rank.CheckStatusCompleted, MobileStatus: rank.CheckStatusCompleted, CreatedAt: base},
		{ID: "i2", RunID: "run-1", DesktopStatus: rank.CheckStatusPending, MobileStatus: rank.CheckStatusPending, CreatedAt: base.Add(time.Second)},
		{ID: "i3", RunID: "run-1", DesktopStatus: rank.CheckStatusCompleted, MobileStatus: rank.CheckStatusPending, CreatedAt: base.Add(2 * time.Second)},
		{ID: "i4", RunID: "run-1", DesktopStatus: rank.CheckStatusPending, MobileStatus: rank.CheckStatusPending, CreatedAt: base.Add(3 * time.Second)},
	}
	require.NoError(t, store.CreateItems(ctx, items))

	pending, err := store.ListPendingItems(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "i2", pending[0].ID)
	require.Equal(t, "i3", pending[1].ID)
}

func TestFinalizeRunIsGuardedByStatus(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-1", Status: rank.RunStatusProcessing, CreatedAt: base,
	}))

	counters := rank.RunCounters{TotalKeywords: 1, ProcessedKeywords: 1, SuccessfulChecks: 1, TotalCreditsUsed: 2}
	require.NoError(t, store.FinalizeRun(ctx, "run-1", rank.RunStatusCompleted, counters, "", base))

	// A second finalize against a terminal run must change nothing.
	require.NoError(t, store.FinalizeRun(ctx, "run-1", rank.RunStatusFailed, rank.RunCounters{}, "boom", base.Add(time.Hour)))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, rank.RunStatusCompleted, run.Status)
	require.Equal(t, counters, run.Counters)
	require.Empty(t, run.ErrorMessage)
}

func TestSkipUnresolvedChecks(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()

	require.NoError(t, store.CreateItems(ctx, []rank.BatchItem{
		{ID: "i1", RunID: "run-1", DesktopStatus: rank.CheckStatusCompleted, MobileStatus: rank.CheckStatusProcessing},
		{ID: "i2", RunID: "run-1", DesktopStatus: rank.CheckStatusPending, MobileStatus: rank.CheckStatusFailed},
	}))

	require.NoError(t, store.SkipUnresolvedChecks(ctx, "run-1"))

	items, err := store.ListItems(ctx, "run-1")
	require.NoError(t, err)
	for _, item := range items {
		require.True(t, item.Resolved())
	}
	require.Equal(t, rank.CheckStatusCompleted, items[0].DesktopStatus)
	require.Equal(t, rank.CheckStatusSkipped, items[0].MobileStatus)
	require.Equal(t, rank.CheckStatusSkipped, items[1].DesktopStatus)
	require.Equal(t, rank.CheckStatusFailed, items[1].MobileStatus)
}

func TestListStaleRuns(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	oldStart := base.Add(-2 * time.Hour)
	freshStart := base.Add(-5 * time.Minute)

	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-stale", Status: rank.RunStatusProcessing, CreatedAt: base, StartedAt: &oldStart,
	}))
	require.NoError(t, store.CreateRun(ctx, rank.BatchRun{
		ID: "run-fresh", Status: rank.RunStatusProcessing, CreatedAt: base, StartedAt: &freshStart,
	}))

	stale, err := store.ListStaleRuns(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "run-stale", stale[0].ID)
}
