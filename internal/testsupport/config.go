package testsupport

import (
	"path/filepath"
	"testing"

	"magpie/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Timing knobs are tightened so worker loops spin fast under test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Workflow.Workers = 1
	cfg.Workflow.PollIntervalSeconds = 1
	cfg.Workflow.ErrorRetrySeconds = 1
	cfg.Workflow.ReclaimIntervalSeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMaxAttempts overrides the per-node attempt bound.
func WithMaxAttempts(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxAttempts = n
	}
}

// WithLoopLimit overrides the re-search loop bound.
func WithLoopLimit(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.ResearchLoopLimit = n
	}
}

// WithRequiredFields overrides the publish field set.
func WithRequiredFields(fields ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Publish.RequiredFields = fields
	}
}
