package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/metrics"
	"github.com/rankpulse/rankpulse/internal/rank"
)

// ProcessorConfig controls ItemProcessor behavior.
type ProcessorConfig struct {
	// BatchSize caps how many items one pass touches. Chosen so that
	// BatchSize * 2 provider calls stay inside the invocation budget.
	BatchSize int
	// CheckDelay is the fixed pause between provider calls, purely for
	// external rate limiting.
	CheckDelay time.Duration
}

// ItemProcessor advances a bounded slice of a run's items through the
// per-device state machine. Items and their two sub-checks are processed
// strictly sequentially to respect provider rate limits.
type ItemProcessor struct {
	store    rank.BatchStore
	provider rank.Provider
	policy   rank.RetryPolicy
	clock    rank.Clock
	idGen    rank.IDGenerator
	cfg      ProcessorConfig
	logger   *zap.Logger
}

// NewItemProcessor constructs an ItemProcessor.
func NewItemProcessor(
	store rank.BatchStore,
	provider rank.Provider,
	policy rank.RetryPolicy,
	clock rank.Clock,
	idGen rank.IDGenerator,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *ItemProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &ItemProcessor{
		store:    store,
		provider: provider,
		policy:   policy,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessPass runs one bounded pass over the run's pending items and then
// recomputes the run's counters from all item rows. It reports whether
// any pending items were found; if not, the caller can go straight to
// completion evaluation.
func (p *ItemProcessor) ProcessPass(ctx context.Context, run rank.BatchRun) (bool, error) {
	items, err := p.store.ListPendingItems(ctx, run.ID, p.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("list pending items: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		p.processItem(ctx, run, items[i])
	}

	if err := p.store.RecomputeRunCounters(ctx, run.ID); err != nil {
		return true, fmt.Errorf("recompute run counters: %w", err)
	}
	return true, nil
}

// processItem walks the item's sub-checks in device order. The retry
// counter is shared by both sub-checks and bumped at most once per pass:
// retryBumped tracks that explicitly, and policy consults use the count
// the item entered the pass with.
func (p *ItemProcessor) processItem(ctx context.Context, run rank.BatchRun, item rank.BatchItem) {
	retryBumped := false
	passRetryCount := item.RetryCount

	for _, device := range rank.Devices {
		if item.CheckStatusFor(device) != rank.CheckStatusPending {
			continue
		}
		p.processCheck(ctx, run, &item, device, passRetryCount, &retryBumped)
		p.pause(ctx)
	}
}

func (p *ItemProcessor) processCheck(
	ctx context.Context,
	run rank.BatchRun,
	item *rank.BatchItem,
	device rank.Device,
	passRetryCount int,
	retryBumped *bool,
) {
	if err := p.store.SetCheckStatus(ctx, item.ID, device, rank.CheckStatusProcessing, ""); err != nil {
		p.logger.Error("mark check processing failed",
			zap.String("item_id", item.ID), zap.String("device", string(device)), zap.Error(err))
		return
	}

	start := p.clock.Now()
	result, err := p.provider.Check(ctx, rank.CheckRequest{
		SearchTerm:   item.SearchTerm,
		LocationCode: item.LocationCode,
		TargetDomain: run.TargetDomain,
		Device:       device,
	})
	elapsed := p.clock.Now().Sub(start)

	if err != nil {
		p.handleCheckFailure(ctx, item, device, passRetryCount, retryBumped, elapsed, err)
		return
	}

	if err := p.recordSuccess(ctx, run, item, device, result); err != nil {
		p.logger.Error("persist check result failed",
			zap.String("item_id", item.ID), zap.String("device", string(device)), zap.Error(err))
		return
	}
	metrics.ObserveCheck(string(device), "completed", elapsed)
	p.logger.Debug("check completed",
		zap.String("run_id", run.ID),
		zap.String("item_id", item.ID),
		zap.String("device", string(device)),
		zap.Bool("found", result.Found),
	)
}

func (p *ItemProcessor) handleCheckFailure(
	ctx context.Context,
	item *rank.BatchItem,
	device rank.Device,
	passRetryCount int,
	retryBumped *bool,
	elapsed time.Duration,
	checkErr error,
) {
	if p.policy.ShouldRetry(passRetryCount, checkErr.Error()) {
		next := item.RetryCount
		if !*retryBumped {
			next++
			*retryBumped = true
			item.RetryCount = next
		}
		if err := p.store.ResetCheckForRetry(ctx, item.ID, device, next); err != nil {
			p.logger.Error("reset check for retry failed",
				zap.String("item_id", item.ID), zap.String("device", string(device)), zap.Error(err))
			return
		}
		metrics.ObserveCheck(string(device), "retried", elapsed)
		metrics.ObserveRetry()
		p.logger.Warn("check failed, will retry",
			zap.String("item_id", item.ID),
			zap.String("device", string(device)),
			zap.Int("retry_count", next),
			zap.Error(checkErr),
		)
		return
	}

	if err := p.store.SetCheckStatus(ctx, item.ID, device, rank.CheckStatusFailed, checkErr.Error()); err != nil {
		p.logger.Error("mark check failed failed",
			zap.String("item_id", item.ID), zap.String("device", string(device)), zap.Error(err))
		return
	}
	item.SetCheckStatusFor(device, rank.CheckStatusFailed)
	metrics.ObserveCheck(string(device), "failed", elapsed)
	p.logger.Warn("check failed terminally",
		zap.String("item_id", item.ID),
		zap.String("device", string(device)),
		zap.Int("retry_count", passRetryCount),
		zap.Error(checkErr),
	)
}

func (p *ItemProcessor) recordSuccess(
	ctx context.Context,
	run rank.BatchRun,
	item *rank.BatchItem,
	device rank.Device,
	result rank.CheckResult,
) error {
	id, err := p.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate result id: %w", err)
	}
	row := rank.RankCheckResult{
		ID:           id,
		RunID:        run.ID,
		ItemID:       item.ID,
		KeywordID:    item.KeywordID,
		SearchTerm:   item.SearchTerm,
		LocationCode: item.LocationCode,
		Device:       device,
		Found:        result.Found,
		Position:     result.Position,
		FoundURL:     result.URL,
		CheckedAt:    p.clock.Now(),
	}
	if err := p.store.InsertResult(ctx, row); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if err := p.store.SetCheckStatus(ctx, item.ID, device, rank.CheckStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark check completed: %w", err)
	}
	item.SetCheckStatusFor(device, rank.CheckStatusCompleted)
	return nil
}

func (p *ItemProcessor) pause(ctx context.Context) {
	if p.cfg.CheckDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.CheckDelay):
	}
}
