package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rankpulse/rankpulse/internal/rank"
)

func newMockStore(t *testing.T) (*BatchStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewBatchStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func runRow(now time.Time) *pgxmock.Rows {
	started := now
	return pgxmock.NewRows([]string{
		"id", "account_id", "idempotency_key", "target_domain", "status",
		"total_keywords", "processed_keywords", "successful_checks", "failed_checks",
		"total_credits_used", "error_message", "created_at", "scheduled_for",
		"started_at", "completed_at", "updated_at",
	}).AddRow(
		"run-1", "acct-1", "idem-1", "example.com", rank.RunStatusProcessing,
		5, 0, 0, 0,
		10, "", now.Add(-time.Minute), nil,
		&started, nil, now,
	)
}

func TestClaimNextRunReturnsClaimedRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("UPDATE batch_runs AS r").
		WithArgs(now).
		WillReturnRows(runRow(now))

	run, err := store.ClaimNextRun(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, rank.RunStatusProcessing, run.Status)
	require.NotNil(t, run.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRunNoEligibleRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("UPDATE batch_runs AS r").
		WithArgs(now).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimNextRun(context.Background(), now)
	require.ErrorIs(t, err, rank.ErrNoEligibleRun)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCheckStatusKeepsLastErrorOnEmptyMessage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_items SET desktop_status").
		WithArgs("item-1", rank.CheckStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetCheckStatus(context.Background(), "item-1", rank.DeviceDesktop, rank.CheckStatusProcessing, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCheckStatusWritesError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_items SET mobile_status").
		WithArgs("item-1", rank.CheckStatusFailed, "DFS-402 quota exceeded").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetCheckStatus(context.Background(), "item-1", rank.DeviceMobile, rank.CheckStatusFailed, "DFS-402 quota exceeded")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCheckStatusMissingItem(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_items SET desktop_status").
		WithArgs("item-missing", rank.CheckStatusProcessing).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetCheckStatus(context.Background(), "item-missing", rank.DeviceDesktop, rank.CheckStatusProcessing, "")
	require.ErrorIs(t, err, rank.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetCheckForRetry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batch_items").
		WithArgs("item-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.ResetCheckForRetry(context.Background(), "item-1", rank.DeviceMobile, 2)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResult(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	pos := 4

	result := rank.RankCheckResult{
		ID:           "res-1",
		RunID:        "run-1",
		ItemID:       "item-1",
		KeywordID:    "kw-1",
		SearchTerm:   "best coffee",
		LocationCode: "2840",
		Device:       rank.DeviceDesktop,
		Found:        true,
		Position:     &pos,
		FoundURL:     "https://example.com/coffee",
		CheckedAt:    now,
	}

	mock.ExpectExec("INSERT INTO rank_check_results").
		WithArgs(
			result.ID, result.RunID, result.ItemID, result.KeywordID,
			result.SearchTerm, result.LocationCode, result.Device,
			result.Found, result.Position, result.FoundURL, result.CheckedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertResult(context.Background(), result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResultRequiresID(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	err := store.InsertResult(context.Background(), rank.RankCheckResult{})
	require.Error(t, err)
}

func TestFinalizeRunGuardsOnProcessingStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	counters := rank.RunCounters{
		TotalKeywords:     5,
		ProcessedKeywords: 5,
		SuccessfulChecks:  4,
		FailedChecks:      1,
		TotalCreditsUsed:  9,
	}

	mock.ExpectExec("UPDATE batch_runs").
		WithArgs("run-1", rank.RunStatusCompleted, 5, 5, 4, 1, 9, "", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.FinalizeRun(context.Background(), "run-1", rank.RunStatusCompleted, counters, "", now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM batch_runs").
		WithArgs(now.Add(-time.Hour)).
		WillReturnRows(runRow(now))

	runs, err := store.ListStaleRuns(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-1", runs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewBatchStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewBatchStoreWithPool(nil)
	require.Error(t, err)
}
