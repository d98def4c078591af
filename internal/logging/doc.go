// Package logging configures structured logging for magpie.
//
// It wraps log/slog with standardized field names, context-derived logger
// enrichment, and handler construction from application config. All
// components log through the helpers here so run, item, and node
// identifiers appear consistently across the daemon and CLI.
package logging
