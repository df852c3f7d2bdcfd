package rank

import "errors"

// ErrNotFound indicates a run or item does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrNoEligibleRun indicates the selector found no run to advance.
var ErrNoEligibleRun = errors.New("no eligible run")

// ErrAlreadyProcessed is returned by the credit ledger when an idempotency
// key was seen before. Callers must treat it as a successful no-op.
var ErrAlreadyProcessed = errors.New("operation already processed")
