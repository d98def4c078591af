// Package services defines shared utilities consumed by the pipeline
// executor, the run controller, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, item IDs, node names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent run statuses and retry decisions.
//
// Use these helpers when wiring new node logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
