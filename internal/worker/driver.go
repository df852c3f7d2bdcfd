package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/metrics"
	"github.com/rankpulse/rankpulse/internal/rank"
)

// Driver is the sole entry point for the external scheduler. Each tick
// executes Reaper -> Selector -> Item Processor -> Completion Evaluator
// and never blocks waiting for a run to finish; a run drains over many
// ticks.
type Driver struct {
	store     rank.BatchStore
	selector  *Selector
	processor *ItemProcessor
	evaluator *Evaluator
	reaper    *Reaper
	logger    *zap.Logger
}

// NewDriver constructs a Driver.
func NewDriver(
	store rank.BatchStore,
	selector *Selector,
	processor *ItemProcessor,
	evaluator *Evaluator,
	reaper *Reaper,
	logger *zap.Logger,
) *Driver {
	return &Driver{
		store:     store,
		selector:  selector,
		processor: processor,
		evaluator: evaluator,
		reaper:    reaper,
		logger:    logger,
	}
}

// AdvanceOneTick performs one bounded invocation. With no eligible run
// the tick is a cheap no-op.
func (d *Driver) AdvanceOneTick(ctx context.Context) error {
	metrics.ObserveTick()

	if _, err := d.reaper.ReapStale(ctx); err != nil {
		// Reaping problems should not stall regular processing.
		d.logger.Error("reaper pass failed", zap.Error(err))
	}

	run, err := d.selector.Next(ctx)
	if errors.Is(err, rank.ErrNoEligibleRun) {
		return nil
	}
	if err != nil {
		return err
	}

	if run.TargetDomain == "" {
		return d.evaluator.ForceFail(ctx, run, "no target domain configured for account")
	}

	hadPending, err := d.processor.ProcessPass(ctx, run)
	if err != nil {
		return fmt.Errorf("process pass: %w", err)
	}
	if !hadPending {
		d.logger.Debug("no pending items", zap.String("run_id", run.ID))
	}

	return d.evaluator.Evaluate(ctx, run.ID)
}

// GetRunStatus is the read-only status query used by UI polling.
func (d *Driver) GetRunStatus(ctx context.Context, runID string) (rank.BatchRun, error) {
	return d.store.GetRun(ctx, runID)
}
