// Package calibration records verified tool outcomes, aggregates them into
// per-family effectiveness metrics, detects accuracy anomalies, and issues
// immutable calibration versions. Runs pin the active version set at start;
// later recalibrations never change a run already in flight.
package calibration
