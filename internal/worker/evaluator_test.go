package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rankpulse/rankpulse/internal/rank"
)

func TestEvaluateAllChecksSucceed(t *testing.T) {
	t.Parallel()

	// Scenario: 5 items, every check succeeds.
	e := newEnv(t)
	e.seedRun(t, "run-1", 5)
	ctx := context.Background()

	require.NoError(t, e.driver.AdvanceOneTick(ctx))

	run := e.getRun(t, "run-1")
	require.Equal(t, rank.RunStatusCompleted, run.Status)
	require.Equal(t, 5, run.Counters.TotalKeywords)
	require.Equal(t, 5, run.Counters.ProcessedKeywords)
	require.Equal(t, 5, run.Counters.SuccessfulChecks)
	require.Zero(t, run.Counters.FailedChecks)
	require.Equal(t, 10, run.Counters.TotalCreditsUsed)
	require.NotNil(t, run.CompletedAt)

	require.Empty(t, e.ledger.refundCalls())
	require.Empty(t, e.notifier.Alerts())
}

func TestEvaluatePartialFailureRefundsFailedChecks(t *testing.T) {
	t.Parallel()

	// Scenario: 3 items; item #2's desktop check fails terminally,
	// everything else succeeds.
	e := newEnv(t)
	e.seedRun(t, "run-1", 3)
	ctx := context.Background()

	e.provider.failWith("keyword 2", rank.DeviceDesktop, "DFS-400 invalid location code")

	require.NoError(t, e.driver.AdvanceOneTick(ctx))

	run := e.getRun(t, "run-1")
	require.Equal(t, rank.RunStatusCompleted, run.Status)
	require.Equal(t, 3, run.Counters.ProcessedKeywords)
	require.Equal(t, 2, run.Counters.SuccessfulChecks)
	require.Equal(t, 1, run.Counters.FailedChecks)
	require.Equal(t, 5, run.Counters.TotalCreditsUsed)

	refunds := e.ledger.refundCalls()
	require.Len(t, refunds, 1)
	require.Equal(t, "acct-1", refunds[0].accountID)
	require.Equal(t, 1, refunds[0].amount)
	require.Equal(t, "idem-run-1:refund", refunds[0].key)

	require.Empty(t, e.notifier.Alerts())
}

func TestEvaluateTotalFailureEscalatesOperatorAlert(t *testing.T) {
	t.Parallel()

	// Scenario: all 4 items fail with identical error text, signalling a
	// single upstream root cause.
	e := newEnv(t)
	e.seedRun(t, "run-1", 4)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		term := "keyword " + string(rune('0'+i))
		e.provider.failWith(term, rank.DeviceDesktop, "DFS-402 quota exceeded")
		e.provider.failWith(term, rank.DeviceMobile, "DFS-402 quota exceeded")
	}

	require.NoError(t, e.driver.AdvanceOneTick(ctx))

	run := e.getRun(t, "run-1")
	require.Equal(t, rank.RunStatusFailed, run.Status)
	require.Equal(t, 8, run.Counters.FailedChecks)
	require.Zero(t, run.Counters.TotalCreditsUsed)

	refunds := e.ledger.refundCalls()
	require.Len(t, refunds, 1)
	require.Equal(t, 8, refunds[0].amount)

	alerts := e.notifier.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "DFS-402 quota exceeded", alerts[0].Data["error_sample"])
}

func TestEvaluateMixedFailuresDoNotAlertOperator(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", 2)
	ctx := context.Background()

	e.provider.failWith("keyword 1", rank.DeviceDesktop, "DFS-402 quota exceeded")
	e.provider.failWith("keyword 1", rank.DeviceMobile, "DFS-402 quota exceeded")
	e.provider.failWith("keyword 2", rank.DeviceDesktop, "DFS-400 invalid location code")
	e.provider.failWith("keyword 2", rank.DeviceMobile, "DFS-400 invalid location code")

	require.NoError(t, e.driver.AdvanceOneTick(ctx))

	run := e.getRun(t, "run-1")
	require.Equal(t, rank.RunStatusFailed, run.Status)
	require.Empty(t, e.notifier.Alerts())
}

func TestEvaluateIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", 3)
	ctx := context.Background()

	e.provider.failWith("keyword 2", rank.DeviceDesktop, "DFS-400 invalid location code")

	require.NoError(t, e.driver.AdvanceOneTick(ctx))
	before := e.getRun(t, "run-1")

	// Re-running the evaluator against the completed run must not change
	// status or counters, and must not refund again.
	require.NoError(t, e.evaluator.Evaluate(ctx, "run-1"))

	after := e.getRun(t, "run-1")
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Counters, after.Counters)
	require.Len(t, e.ledger.refundCalls(), 1)
}

func TestEvaluateNoOpWhileItemsUnresolved(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.seedRun(t, "run-1", 2)
	ctx := context.Background()

	run, err := e.selector.Next(ctx)
	require.NoError(t, err)

	// Keep keyword 2's mobile check perpetually retried.
	e.provider.failWith("keyword 2", rank.DeviceMobile, "DFS-504 provider timeout")

	_, err = e.processor.ProcessPass(ctx, run)
	require.NoError(t, err)
	require.NoError(t, e.evaluator.Evaluate(ctx, "run-1"))

	got := e.getRun(t, "run-1")
	require.Equal(t, rank.RunStatusProcessing, got.Status)
	require.Nil(t, got.CompletedAt)
	require.Empty(t, e.ledger.refundCalls())
}

func TestCreditsInvariantHoldsAtCompletion(t *testing.T) {
	t.Parallel()

	// total_credits_used = 2*total_items - failed_check_count.
	e := newEnv(t)
	e.seedRun(t, "run-1", 4)
	ctx := context.Background()

	e.provider.failWith("keyword 1", rank.DeviceDesktop, "DFS-400 invalid location code")
	e.provider.failWith("keyword 3", rank.DeviceDesktop, "DFS-400 invalid location code")
	e.provider.failWith("keyword 3", rank.DeviceMobile, "DFS-400 invalid location code")

	require.NoError(t, e.driver.AdvanceOneTick(ctx))

	run := e.getRun(t, "run-1")
	require.True(t, run.Status.Terminal())
	require.Equal(t,
		run.Counters.TotalKeywords*rank.ChecksPerItem-run.Counters.FailedChecks,
		run.Counters.TotalCreditsUsed,
	)
}
