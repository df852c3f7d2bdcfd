package rank

import (
	"context"
	"time"
)

// BatchStore persists batch runs, their items, and check results.
type BatchStore interface {
	// CreateRun inserts a new run. Runs are created by the submission
	// surface; the worker only advances pre-existing ones.
	CreateRun(ctx context.Context, run BatchRun) error
	// CreateItems inserts the run's items.
	CreateItems(ctx context.Context, items []BatchItem) error

	// ClaimNextRun returns the oldest run with status pending or processing
	// whose scheduled_for is unset or <= now. A pending run is atomically
	// moved to processing with started_at stamped, so overlapping ticks
	// cannot both claim it. Returns ErrNoEligibleRun when nothing is due.
	ClaimNextRun(ctx context.Context, now time.Time) (BatchRun, error)

	GetRun(ctx context.Context, runID string) (BatchRun, error)
	ListRuns(ctx context.Context, accountID string, limit, offset int) ([]BatchRun, error)

	// ListPendingItems returns up to limit items with at least one pending
	// sub-check, oldest first.
	ListPendingItems(ctx context.Context, runID string, limit int) ([]BatchItem, error)
	ListItems(ctx context.Context, runID string) ([]BatchItem, error)

	// SetCheckStatus moves one sub-check to the given status. An empty
	// errMsg leaves the item's last error untouched.
	SetCheckStatus(ctx context.Context, itemID string, device Device, status CheckStatus, errMsg string) error
	// ResetCheckForRetry moves the sub-check back to pending, clears the
	// item's error, and writes the (possibly bumped) retry count.
	ResetCheckForRetry(ctx context.Context, itemID string, device Device, retryCount int) error
	// SkipUnresolvedChecks marks every non-terminal sub-check of the run
	// as skipped. Used when a run is force-failed.
	SkipUnresolvedChecks(ctx context.Context, runID string) error

	InsertResult(ctx context.Context, result RankCheckResult) error
	ListResults(ctx context.Context, runID string) ([]RankCheckResult, error)

	// RecomputeRunCounters rebuilds the run's progress counters from its
	// item rows.
	RecomputeRunCounters(ctx context.Context, runID string) error
	// FinalizeRun writes the terminal status, counters, error message and
	// completed_at. It only applies while the run is still processing, so
	// re-running an evaluation against a terminal run is a no-op.
	FinalizeRun(ctx context.Context, runID string, status RunStatus, counters RunCounters, errMsg string, completedAt time.Time) error

	// ListStaleRuns returns processing runs whose started_at is before the
	// cutoff, oldest first.
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]BatchRun, error)
}

// Provider performs a single device-specific ranking lookup. Errors carry
// provider codes in their text so the retry policy can classify them.
type Provider interface {
	Check(ctx context.Context, req CheckRequest) (CheckResult, error)
}

// CreditLedger moves prepaid credits. Debit and Refund are idempotent per
// key: a repeated key yields ErrAlreadyProcessed, which callers treat as
// success.
type CreditLedger interface {
	Debit(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error
	Refund(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error
	Balance(ctx context.Context, accountID string) (int, error)
}

// Notifier delivers best-effort account events and operator alerts.
// Failures never propagate into batch processing.
type Notifier interface {
	Notify(ctx context.Context, accountID, eventType string, payload map[string]any) error
	AlertOperator(ctx context.Context, title, message string, data map[string]any) error
}

// RetryPolicy classifies a failed sub-check as retryable or terminal.
type RetryPolicy interface {
	ShouldRetry(retryCount int, errMsg string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs and idempotency keys (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
