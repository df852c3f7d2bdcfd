// Package rank defines the core domain model for the rank-check batch
// processor: batch runs, their items, the per-device check state machine,
// and the interfaces the worker uses to talk to storage and external
// collaborators (ranking provider, credit ledger, notifier).
package rank
