package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/metrics"
	"github.com/rankpulse/rankpulse/internal/rank"
)

// Reaper detects runs abandoned by a crashed or killed invocation: still
// processing but started longer ago than the staleness threshold, which
// is sized well above the worst-case drain time of the largest supported
// run. It must run before the selector each tick so a reaped run is never
// re-selected mid-reap.
type Reaper struct {
	store     rank.BatchStore
	evaluator *Evaluator
	clock     rank.Clock
	threshold time.Duration
	logger    *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(
	store rank.BatchStore,
	evaluator *Evaluator,
	clock rank.Clock,
	threshold time.Duration,
	logger *zap.Logger,
) *Reaper {
	return &Reaper{
		store:     store,
		evaluator: evaluator,
		clock:     clock,
		threshold: threshold,
		logger:    logger,
	}
}

// ReapStale fails every abandoned run, refunding credits for its
// unresolved sub-checks. Returns how many runs were reaped.
func (r *Reaper) ReapStale(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.threshold)
	stale, err := r.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	reaped := 0
	for _, run := range stale {
		reason := fmt.Sprintf("run abandoned: processing since %s exceeded the %s staleness threshold",
			run.StartedAt.UTC().Format(time.RFC3339), r.threshold)
		if err := r.evaluator.ForceFail(ctx, run, reason); err != nil {
			r.logger.Error("reap run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		metrics.ObserveReapedRun()
		r.logger.Warn("stale run reaped", zap.String("run_id", run.ID))
		reaped++
	}
	return reaped, nil
}
