// Package controller owns the run lifecycle: starting runs with pinned
// constraint snapshots, pause and stop requests, resume validation, and
// the worker pool that leases pending runs and drives them through the
// pipeline.
package controller
