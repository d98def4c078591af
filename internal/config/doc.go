// Package config loads, normalizes, and validates magpie configuration.
//
// Configuration lives in a TOML file (default ~/.config/magpie/config.toml)
// and is grouped by subsystem: paths, pipeline retry/timeout policy, worker
// pool timing and lease durations, publish thresholds, calibration windows,
// notifications, and logging. Load returns a fully normalized config with
// all path fields expanded.
package config
