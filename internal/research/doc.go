// Package research defines the research run data model and its SQLite
// persistence.
//
// A run is one research attempt for an item: it advances through the
// pipeline graph node by node, checkpointing after each node in a single
// transaction that appends the step record, advances the current node,
// replaces the field state snapshot, inserts activity log entries, and
// renews the worker's execution lease. The store also enforces the
// single-active-run-per-item invariant and the exclusive, time-bounded
// lease a worker must hold before executing or resuming a run.
package research
