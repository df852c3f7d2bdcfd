// Package memory provides an in-memory BatchStore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rankpulse/rankpulse/internal/rank"
)

// BatchStore implements rank.BatchStore with mutex-guarded maps.
type BatchStore struct {
	mu      sync.RWMutex
	runs    map[string]rank.BatchRun
	items   map[string][]rank.BatchItem
	results map[string][]rank.RankCheckResult
}

// NewBatchStore constructs an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{
		runs:    make(map[string]rank.BatchRun),
		items:   make(map[string][]rank.BatchItem),
		results: make(map[string][]rank.RankCheckResult),
	}
}

// CreateRun stores a new run.
func (s *BatchStore) CreateRun(_ context.Context, run rank.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return rank.ErrAlreadyProcessed
	}
	s.runs[run.ID] = run
	return nil
}

// CreateItems appends items to their parent runs.
func (s *BatchStore) CreateItems(_ context.Context, items []rank.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.RunID] = append(s.items[item.RunID], item)
	}
	return nil
}

// ClaimNextRun picks the oldest eligible run and, if pending, moves it to
// processing with started_at stamped.
func (s *BatchStore) ClaimNextRun(_ context.Context, now time.Time) (rank.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []rank.BatchRun
	for _, run := range s.runs {
		if run.Status != rank.RunStatusPending && run.Status != rank.RunStatusProcessing {
			continue
		}
		if run.ScheduledFor != nil && run.ScheduledFor.After(now) {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return rank.BatchRun{}, rank.ErrNoEligibleRun
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	run := candidates[0]
	if run.Status == rank.RunStatusPending {
		run.Status = rank.RunStatusProcessing
		started := now
		run.StartedAt = &started
		run.UpdatedAt = now
		s.runs[run.ID] = run
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (s *BatchStore) GetRun(_ context.Context, runID string) (rank.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return rank.BatchRun{}, rank.ErrNotFound
	}
	return run, nil
}

// ListRuns returns an account's runs, newest first.
func (s *BatchStore) ListRuns(_ context.Context, accountID string, limit, offset int) ([]rank.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []rank.BatchRun
	for _, run := range s.runs {
		if run.AccountID == accountID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	out := make([]rank.BatchRun, len(runs))
	copy(out, runs)
	return out, nil
}

// ListPendingItems returns up to limit items with a pending sub-check.
func (s *BatchStore) ListPendingItems(_ context.Context, runID string, limit int) ([]rank.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []rank.BatchItem
	for _, item := range s.sortedItems(runID) {
		if item.DesktopStatus == rank.CheckStatusPending || item.MobileStatus == rank.CheckStatusPending {
			out = append(out, item)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ListItems returns all items for a run, oldest first.
func (s *BatchStore) ListItems(_ context.Context, runID string) ([]rank.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedItems(runID), nil
}

// SetCheckStatus moves one sub-check to the given status.
func (s *BatchStore) SetCheckStatus(_ context.Context, itemID string, device rank.Device, status rank.CheckStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateItem(itemID, func(item *rank.BatchItem) {
		item.SetCheckStatusFor(device, status)
		if errMsg != "" {
			item.ErrorMessage = errMsg
		}
	})
}

// ResetCheckForRetry returns the sub-check to pending and records the
// shared retry count.
func (s *BatchStore) ResetCheckForRetry(_ context.Context, itemID string, device rank.Device, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateItem(itemID, func(item *rank.BatchItem) {
		item.SetCheckStatusFor(device, rank.CheckStatusPending)
		item.ErrorMessage = ""
		item.RetryCount = retryCount
	})
}

// SkipUnresolvedChecks marks every non-terminal sub-check as skipped.
func (s *BatchStore) SkipUnresolvedChecks(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[runID]
	for i := range items {
		for _, device := range rank.Devices {
			if !items[i].CheckStatusFor(device).Terminal() {
				items[i].SetCheckStatusFor(device, rank.CheckStatusSkipped)
			}
		}
	}
	return nil
}

// InsertResult appends an immutable check result.
func (s *BatchStore) InsertResult(_ context.Context, result rank.RankCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.RunID] = append(s.results[result.RunID], result)
	return nil
}

// ListResults returns all results recorded for a run.
func (s *BatchStore) ListResults(_ context.Context, runID string) ([]rank.RankCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := s.results[runID]
	out := make([]rank.RankCheckResult, len(results))
	copy(out, results)
	return out, nil
}

// RecomputeRunCounters rebuilds progress counters from the item rows.
func (s *BatchStore) RecomputeRunCounters(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return rank.ErrNotFound
	}
	processed, successful, failed := 0, 0, 0
	for _, item := range s.items[runID] {
		if item.Resolved() {
			processed++
		}
		if item.DesktopStatus == rank.CheckStatusCompleted && item.MobileStatus == rank.CheckStatusCompleted {
			successful++
		}
		failed += item.FailedChecks()
	}
	run.Counters.ProcessedKeywords = processed
	run.Counters.SuccessfulChecks = successful
	run.Counters.FailedChecks = failed
	run.UpdatedAt = time.Now().UTC()
	s.runs[runID] = run
	return nil
}

// FinalizeRun writes the terminal state; a no-op unless still processing.
func (s *BatchStore) FinalizeRun(_ context.Context, runID string, status rank.RunStatus, counters rank.RunCounters, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return rank.ErrNotFound
	}
	if run.Status != rank.RunStatusProcessing {
		return nil
	}
	run.Status = status
	run.Counters = counters
	run.ErrorMessage = errMsg
	done := completedAt
	run.CompletedAt = &done
	run.UpdatedAt = completedAt
	s.runs[runID] = run
	return nil
}

// ListStaleRuns returns processing runs whose started_at is before cutoff.
func (s *BatchStore) ListStaleRuns(_ context.Context, cutoff time.Time) ([]rank.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []rank.BatchRun
	for _, run := range s.runs {
		if run.Status != rank.RunStatusProcessing || run.StartedAt == nil {
			continue
		}
		if run.StartedAt.Before(cutoff) {
			stale = append(stale, run)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartedAt.Before(*stale[j].StartedAt)
	})
	return stale, nil
}

func (s *BatchStore) sortedItems(runID string) []rank.BatchItem {
	items := s.items[runID]
	out := make([]rank.BatchItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *BatchStore) mutateItem(itemID string, mutate func(*rank.BatchItem)) error {
	for runID, items := range s.items {
		for i := range items {
			if items[i].ID == itemID {
				mutate(&items[i])
				items[i].UpdatedAt = time.Now().UTC()
				s.items[runID] = items
				return nil
			}
		}
	}
	return rank.ErrNotFound
}
