// Package postgres provides the Postgres-backed BatchStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankpulse/rankpulse/internal/rank"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// BatchStore persists batch runs, items, and check results in Postgres.
type BatchStore struct {
	pool pgxPool
}

// NewBatchStore creates a BatchStore using the provided config.
func NewBatchStore(ctx context.Context, cfg Config) (*BatchStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &BatchStore{pool: pool}, nil
}

// NewBatchStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewBatchStoreWithPool(pool pgxPool) (*BatchStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BatchStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *BatchStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const runColumns = `id, account_id, idempotency_key, target_domain, status,
	total_keywords, processed_keywords, successful_checks, failed_checks,
	total_credits_used, error_message, created_at, scheduled_for,
	started_at, completed_at, updated_at`

// CreateRun inserts a new batch run.
func (s *BatchStore) CreateRun(ctx context.Context, run rank.BatchRun) error {
	query := `
		INSERT INTO batch_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.AccountID,
		run.IdempotencyKey,
		run.TargetDomain,
		run.Status,
		run.Counters.TotalKeywords,
		run.Counters.ProcessedKeywords,
		run.Counters.SuccessfulChecks,
		run.Counters.FailedChecks,
		run.Counters.TotalCreditsUsed,
		run.ErrorMessage,
		run.CreatedAt,
		run.ScheduledFor,
		run.StartedAt,
		run.CompletedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CreateItems inserts the run's items.
func (s *BatchStore) CreateItems(ctx context.Context, items []rank.BatchItem) error {
	query := `
		INSERT INTO batch_items (
			id, run_id, keyword_id, search_term, location_code,
			desktop_status, mobile_status, retry_count, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	for _, item := range items {
		_, err := s.pool.Exec(ctx, query,
			item.ID,
			item.RunID,
			item.KeywordID,
			item.SearchTerm,
			item.LocationCode,
			item.DesktopStatus,
			item.MobileStatus,
			item.RetryCount,
			item.ErrorMessage,
			item.CreatedAt,
			item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}
	return nil
}

// ClaimNextRun atomically claims the oldest eligible run. The transition
// pending -> processing and the started_at stamp happen in the same
// statement, so overlapping ticks cannot both claim a pending run.
func (s *BatchStore) ClaimNextRun(ctx context.Context, now time.Time) (rank.BatchRun, error) {
	query := `
		WITH next_run AS (
			SELECT id FROM batch_runs
			WHERE status IN ('pending', 'processing')
			  AND (scheduled_for IS NULL OR scheduled_for <= $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE batch_runs AS r
		SET status = 'processing',
		    started_at = COALESCE(r.started_at, $1),
		    updated_at = $1
		FROM next_run
		WHERE r.id = next_run.id
		RETURNING r.id, r.account_id, r.idempotency_key, r.target_domain, r.status,
			r.total_keywords, r.processed_keywords, r.successful_checks, r.failed_checks,
			r.total_credits_used, r.error_message, r.created_at, r.scheduled_for,
			r.started_at, r.completed_at, r.updated_at;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, query, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rank.BatchRun{}, rank.ErrNoEligibleRun
		}
		return rank.BatchRun{}, fmt.Errorf("claim next run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a single run by ID.
func (s *BatchStore) GetRun(ctx context.Context, runID string) (rank.BatchRun, error) {
	query := `SELECT ` + runColumns + ` FROM batch_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rank.BatchRun{}, rank.ErrNotFound
		}
		return rank.BatchRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns an account's runs, newest first.
func (s *BatchStore) ListRuns(ctx context.Context, accountID string, limit, offset int) ([]rank.BatchRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM batch_runs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []rank.BatchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const itemColumns = `id, run_id, keyword_id, search_term, location_code,
	desktop_status, mobile_status, retry_count, error_message, created_at, updated_at`

// ListPendingItems returns up to limit items with a pending sub-check, oldest first.
func (s *BatchStore) ListPendingItems(ctx context.Context, runID string, limit int) ([]rank.BatchItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE run_id = $1
		  AND (desktop_status = 'pending' OR mobile_status = 'pending')
		ORDER BY created_at
		LIMIT $2;
	`
	return s.queryItems(ctx, query, runID, limit)
}

// ListItems returns all items for a run, oldest first.
func (s *BatchStore) ListItems(ctx context.Context, runID string) ([]rank.BatchItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE run_id = $1
		ORDER BY created_at;
	`
	return s.queryItems(ctx, query, runID)
}

func (s *BatchStore) queryItems(ctx context.Context, query string, args ...any) ([]rank.BatchItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []rank.BatchItem
	for rows.Next() {
		var item rank.BatchItem
		err := rows.Scan(
			&item.ID,
			&item.RunID,
			&item.KeywordID,
			&item.SearchTerm,
			&item.LocationCode,
			&item.DesktopStatus,
			&item.MobileStatus,
			&item.RetryCount,
			&item.ErrorMessage,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetCheckStatus moves one sub-check to the given status. An empty errMsg
// leaves the item's last observed error untouched.
func (s *BatchStore) SetCheckStatus(ctx context.Context, itemID string, device rank.Device, status rank.CheckStatus, errMsg string) error {
	column, err := statusColumn(device)
	if err != nil {
		return err
	}
	var query string
	var args []any
	if errMsg == "" {
		query = fmt.Sprintf(`UPDATE batch_items SET %s = $2, updated_at = now() WHERE id = $1;`, column)
		args = []any{itemID, status}
	} else {
		query = fmt.Sprintf(`UPDATE batch_items SET %s = $2, error_message = $3, updated_at = now() WHERE id = $1;`, column)
		args = []any{itemID, status, errMsg}
	}
	res, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update check status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return rank.ErrNotFound
	}
	return nil
}

// ResetCheckForRetry returns the sub-check to pending, clears the item's
// error, and writes the shared retry count.
func (s *BatchStore) ResetCheckForRetry(ctx context.Context, itemID string, device rank.Device, retryCount int) error {
	column, err := statusColumn(device)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE batch_items
		SET %s = 'pending', error_message = '', retry_count = $2, updated_at = now()
		WHERE id = $1;
	`, column)
	res, err := s.pool.Exec(ctx, query, itemID, retryCount)
	if err != nil {
		return fmt.Errorf("reset check for retry: %w", err)
	}
	if res.RowsAffected() == 0 {
		return rank.ErrNotFound
	}
	return nil
}

// SkipUnresolvedChecks marks every non-terminal sub-check of the run as skipped.
func (s *BatchStore) SkipUnresolvedChecks(ctx context.Context, runID string) error {
	query := `
		UPDATE batch_items
		SET desktop_status = CASE WHEN desktop_status IN ('pending', 'processing') THEN 'skipped' ELSE desktop_status END,
		    mobile_status = CASE WHEN mobile_status IN ('pending', 'processing') THEN 'skipped' ELSE mobile_status END,
		    updated_at = now()
		WHERE run_id = $1
		  AND (desktop_status IN ('pending', 'processing') OR mobile_status IN ('pending', 'processing'));
	`
	if _, err := s.pool.Exec(ctx, query, runID); err != nil {
		return fmt.Errorf("skip unresolved checks: %w", err)
	}
	return nil
}

// InsertResult appends an immutable rank check result row.
func (s *BatchStore) InsertResult(ctx context.Context, result rank.RankCheckResult) error {
	if result.ID == "" {
		return fmt.Errorf("result id is required")
	}
	query := `
		INSERT INTO rank_check_results (
			id, run_id, item_id, keyword_id, search_term, location_code,
			device, found, position, found_url, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err := s.pool.Exec(ctx, query,
		result.ID,
		result.RunID,
		result.ItemID,
		result.KeywordID,
		result.SearchTerm,
		result.LocationCode,
		result.Device,
		result.Found,
		result.Position,
		result.FoundURL,
		result.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns all results recorded for a run.
func (s *BatchStore) ListResults(ctx context.Context, runID string) ([]rank.RankCheckResult, error) {
	query := `
		SELECT id, run_id, item_id, keyword_id, search_term, location_code,
			device, found, position, found_url, checked_at
		FROM rank_check_results
		WHERE run_id = $1
		ORDER BY checked_at;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []rank.RankCheckResult
	for rows.Next() {
		var r rank.RankCheckResult
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.ItemID,
			&r.KeywordID,
			&r.SearchTerm,
			&r.LocationCode,
			&r.Device,
			&r.Found,
			&r.Position,
			&r.FoundURL,
			&r.CheckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecomputeRunCounters rebuilds the run's progress counters from its item
// rows in a single statement, so partial failures cannot cause drift.
func (s *BatchStore) RecomputeRunCounters(ctx context.Context, runID string) error {
	query := `
		UPDATE batch_runs AS r
		SET processed_keywords = agg.processed,
		    successful_checks = agg.successful,
		    failed_checks = agg.failed,
		    updated_at = $2
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE desktop_status IN ('completed', 'failed', 'skipped')
					AND mobile_status IN ('completed', 'failed', 'skipped')) AS processed,
				COUNT(*) FILTER (WHERE desktop_status = 'completed' AND mobile_status = 'completed') AS successful,
				COUNT(*) FILTER (WHERE desktop_status = 'failed')
					+ COUNT(*) FILTER (WHERE mobile_status = 'failed') AS failed
			FROM batch_items
			WHERE run_id = $1
		) AS agg
		WHERE r.id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, runID, time.Now().UTC()); err != nil {
		return fmt.Errorf("recompute run counters: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal state. The status guard makes repeated
// finalization of the same run a no-op.
func (s *BatchStore) FinalizeRun(ctx context.Context, runID string, status rank.RunStatus, counters rank.RunCounters, errMsg string, completedAt time.Time) error {
	query := `
		UPDATE batch_runs
		SET status = $2,
		    total_keywords = $3,
		    processed_keywords = $4,
		    successful_checks = $5,
		    failed_checks = $6,
		    total_credits_used = $7,
		    error_message = $8,
		    completed_at = $9,
		    updated_at = $9
		WHERE id = $1 AND status = 'processing';
	`
	_, err := s.pool.Exec(ctx, query,
		runID,
		status,
		counters.TotalKeywords,
		counters.ProcessedKeywords,
		counters.SuccessfulChecks,
		counters.FailedChecks,
		counters.TotalCreditsUsed,
		errMsg,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// ListStaleRuns returns processing runs whose started_at is before the cutoff.
func (s *BatchStore) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]rank.BatchRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM batch_runs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at;
	`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	var runs []rank.BatchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func statusColumn(device rank.Device) (string, error) {
	switch device {
	case rank.DeviceDesktop:
		return "desktop_status", nil
	case rank.DeviceMobile:
		return "mobile_status", nil
	default:
		return "", fmt.Errorf("unknown device: %s", device)
	}
}

func scanRun(row pgx.Row) (rank.BatchRun, error) {
	var run rank.BatchRun
	err := row.Scan(
		&run.ID,
		&run.AccountID,
		&run.IdempotencyKey,
		&run.TargetDomain,
		&run.Status,
		&run.Counters.TotalKeywords,
		&run.Counters.ProcessedKeywords,
		&run.Counters.SuccessfulChecks,
		&run.Counters.FailedChecks,
		&run.Counters.TotalCreditsUsed,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.ScheduledFor,
		&run.StartedAt,
		&run.CompletedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return rank.BatchRun{}, err
	}
	return run, nil
}
