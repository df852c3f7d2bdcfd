// Package worker implements the incremental rank-check batch processor:
// a time-boxed pass that advances one run per tick through the reaper,
// run selector, item processor, and completion evaluator. Every state
// transition is idempotent so overlapping or crashed invocations leave
// resumable state and never move credits twice.
package worker
