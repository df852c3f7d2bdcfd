package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/rank"
)

// Selector picks the next eligible run to advance. Selection is strict
// FIFO by creation time so a stream of new submissions cannot starve
// older runs.
type Selector struct {
	store  rank.BatchStore
	clock  rank.Clock
	logger *zap.Logger
}

// NewSelector constructs a Selector.
func NewSelector(store rank.BatchStore, clock rank.Clock, logger *zap.Logger) *Selector {
	return &Selector{store: store, clock: clock, logger: logger}
}

// Next claims the oldest pending or processing run whose schedule is due.
// A pending run is moved to processing with started_at stamped before any
// item work, so a crash right after selection still leaves the run
// visible to the reaper. Returns rank.ErrNoEligibleRun when idle.
func (s *Selector) Next(ctx context.Context) (rank.BatchRun, error) {
	run, err := s.store.ClaimNextRun(ctx, s.clock.Now())
	if err != nil {
		if errors.Is(err, rank.ErrNoEligibleRun) {
			return rank.BatchRun{}, err
		}
		return rank.BatchRun{}, fmt.Errorf("claim next run: %w", err)
	}
	s.logger.Debug("run selected",
		zap.String("run_id", run.ID),
		zap.String("account_id", run.AccountID),
		zap.String("status", string(run.Status)),
	)
	return run, nil
}
