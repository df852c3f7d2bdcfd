package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/metrics"
	"github.com/rankpulse/rankpulse/internal/rank"
)

// Evaluator decides whether a run is finished, finalizes its counters,
// and settles credits. Running it against an already-terminal run is a
// harmless no-op: the finalize write is status-guarded and refunds are
// keyed by the run's idempotency key.
type Evaluator struct {
	store    rank.BatchStore
	ledger   rank.CreditLedger
	notifier rank.Notifier
	clock    rank.Clock
	logger   *zap.Logger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(
	store rank.BatchStore,
	ledger rank.CreditLedger,
	notifier rank.Notifier,
	clock rank.Clock,
	logger *zap.Logger,
) *Evaluator {
	return &Evaluator{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}
}

// Evaluate finalizes the run if every item is fully resolved; otherwise
// it leaves the run processing for the next invocation.
func (e *Evaluator) Evaluate(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status != rank.RunStatusProcessing {
		return nil
	}

	items, err := e.store.ListItems(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	for _, item := range items {
		if !item.Resolved() {
			return nil
		}
	}

	totalItems := len(items)
	successfulItems := 0
	failedItems := 0
	failedChecks := 0
	for _, item := range items {
		if item.DesktopStatus == rank.CheckStatusCompleted && item.MobileStatus == rank.CheckStatusCompleted {
			successfulItems++
		}
		if item.FailedChecks() > 0 {
			failedItems++
		}
		failedChecks += item.FailedChecks()
	}

	status := rank.RunStatusCompleted
	errMsg := ""
	if totalItems > 0 && failedItems == totalItems {
		status = rank.RunStatusFailed
		errMsg = "all keyword checks failed"
	}

	counters := rank.RunCounters{
		TotalKeywords:     totalItems,
		ProcessedKeywords: totalItems,
		SuccessfulChecks:  successfulItems,
		FailedChecks:      failedChecks,
		TotalCreditsUsed:  totalItems*rank.ChecksPerItem - failedChecks,
	}

	now := e.clock.Now()
	if err := e.store.FinalizeRun(ctx, run.ID, status, counters, errMsg, now); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	metrics.ObserveRun(string(status))
	e.logger.Info("run finalized",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("successful_items", successfulItems),
		zap.Int("failed_checks", failedChecks),
	)

	if failedChecks > 0 {
		e.refund(ctx, run, failedChecks, "partial check failure")
	}

	if status == rank.RunStatusFailed && totalItems > 0 {
		e.maybeAlertOperator(ctx, run, items)
	}

	e.notify(ctx, run.AccountID, "rank_check.run_finished", map[string]any{
		"run_id":             run.ID,
		"status":             string(status),
		"total_keywords":     counters.TotalKeywords,
		"successful_checks":  counters.SuccessfulChecks,
		"failed_checks":      counters.FailedChecks,
		"total_credits_used": counters.TotalCreditsUsed,
	})
	return nil
}

// ForceFail terminates a run outright: unresolved sub-checks become
// skipped, credits are charged only for completed checks, and the rest is
// refunded. Used for abandoned runs and failed run preconditions.
func (e *Evaluator) ForceFail(ctx context.Context, run rank.BatchRun, reason string) error {
	items, err := e.store.ListItems(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	totalItems := len(items)
	processedItems := 0
	successfulItems := 0
	completedChecks := 0
	for _, item := range items {
		if item.Resolved() {
			processedItems++
		}
		if item.DesktopStatus == rank.CheckStatusCompleted && item.MobileStatus == rank.CheckStatusCompleted {
			successfulItems++
		}
		completedChecks += item.CompletedChecks()
	}
	unresolvedChecks := totalItems*rank.ChecksPerItem - completedChecks

	if err := e.store.SkipUnresolvedChecks(ctx, run.ID); err != nil {
		return fmt.Errorf("skip unresolved checks: %w", err)
	}

	counters := rank.RunCounters{
		TotalKeywords:     totalItems,
		ProcessedKeywords: processedItems,
		SuccessfulChecks:  successfulItems,
		FailedChecks:      unresolvedChecks,
		TotalCreditsUsed:  completedChecks,
	}
	now := e.clock.Now()
	if err := e.store.FinalizeRun(ctx, run.ID, rank.RunStatusFailed, counters, reason, now); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	metrics.ObserveRun(string(rank.RunStatusFailed))
	e.logger.Warn("run force-failed",
		zap.String("run_id", run.ID),
		zap.String("reason", reason),
		zap.Int("completed_checks", completedChecks),
		zap.Int("refunded_checks", unresolvedChecks),
	)

	if unresolvedChecks > 0 {
		e.refund(ctx, run, unresolvedChecks, reason)
	}
	e.notify(ctx, run.AccountID, "rank_check.run_failed", map[string]any{
		"run_id":           run.ID,
		"reason":           reason,
		"refunded_credits": unresolvedChecks,
	})
	return nil
}

// refund settles credits for checks that will never be charged. Ledger
// failures are logged and swallowed; a failed refund must not re-fail an
// otherwise-finalized run and can be reconciled out of band.
func (e *Evaluator) refund(ctx context.Context, run rank.BatchRun, credits int, reason string) {
	key := run.IdempotencyKey + ":refund"
	err := e.ledger.Refund(ctx, run.AccountID, credits, key, map[string]any{
		"run_id": run.ID,
		"reason": reason,
	})
	switch {
	case err == nil:
		metrics.ObserveRefund(credits)
	case errors.Is(err, rank.ErrAlreadyProcessed):
		e.logger.Debug("refund already processed", zap.String("run_id", run.ID))
	default:
		e.logger.Error("refund failed",
			zap.String("run_id", run.ID), zap.Int("credits", credits), zap.Error(err))
		return
	}
	e.notify(ctx, run.AccountID, "rank_check.credits_refunded", map[string]any{
		"run_id":  run.ID,
		"credits": credits,
		"reason":  reason,
	})
}

// maybeAlertOperator escalates a total failure with a single root cause:
// every item failing with identical error text means the upstream
// provider is down, not that a few keywords were unlucky.
func (e *Evaluator) maybeAlertOperator(ctx context.Context, run rank.BatchRun, items []rank.BatchItem) {
	sample := ""
	for _, item := range items {
		if item.ErrorMessage == "" {
			return
		}
		if sample == "" {
			sample = item.ErrorMessage
			continue
		}
		if item.ErrorMessage != sample {
			return
		}
	}
	if sample == "" {
		return
	}
	err := e.notifier.AlertOperator(ctx, "rank check run failed systemically",
		fmt.Sprintf("all %d items of run %s failed with the same error", len(items), run.ID),
		map[string]any{
			"run_id":       run.ID,
			"account_id":   run.AccountID,
			"error_sample": sample,
		})
	if err != nil {
		e.logger.Error("operator alert failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Evaluator) notify(ctx context.Context, accountID, eventType string, payload map[string]any) {
	if err := e.notifier.Notify(ctx, accountID, eventType, payload); err != nil {
		e.logger.Warn("account notification failed",
			zap.String("account_id", accountID), zap.String("event_type", eventType), zap.Error(err))
	}
}
