// Package activity defines the append-only activity log and its live
// distribution hub.
//
// Entries are written only by the pipeline executor inside checkpoint
// transactions and are immutable afterwards. The hub fans freshly committed
// entries and run status transitions out to live subscribers, preserving
// per-run creation order with at-least-once delivery.
package activity
