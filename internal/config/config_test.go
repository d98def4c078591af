package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"magpie/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, found, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Fatal("missing file must report not found")
	}
	if resolved == "" {
		t.Fatal("resolved path should still be reported")
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("unexpected default max attempts %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.ResearchLoopLimit != 2 {
		t.Fatalf("unexpected default loop limit %d", cfg.Pipeline.ResearchLoopLimit)
	}
	if len(cfg.Publish.RequiredFields) != 4 {
		t.Fatalf("unexpected default required fields %v", cfg.Publish.RequiredFields)
	}
	if len(cfg.Publish.OptionalFields) == 0 {
		t.Fatal("optional field universe should have defaults")
	}
	if !cfg.Workflow.IngestOutcomesOnComplete {
		t.Fatal("outcome ingestion should default on")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, `
[paths]
data_dir = "`+filepath.Join(base, "data")+`"
log_dir = "`+filepath.Join(base, "logs")+`"

[pipeline]
max_attempts = 5
node_timeout_seconds = 45
research_loop_limit = 1

[workflow]
workers = 4

[publish]
completion_threshold = 0.9
required_fields = ["Title", "title", " price ", ""]
optional_fields = ["Brand", "price", "year"]

[tools]
media_analyzer = "/usr/local/bin/analyze --json"
`)

	cfg, _, found, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("config file should be found")
	}
	if cfg.Pipeline.MaxAttempts != 5 || cfg.Pipeline.NodeTimeoutSeconds != 45 {
		t.Fatalf("pipeline overrides lost: %+v", cfg.Pipeline)
	}
	if cfg.Workflow.Workers != 4 {
		t.Fatalf("worker override lost: %d", cfg.Workflow.Workers)
	}
	// Required fields normalize to lowercase, trimmed, deduplicated.
	if len(cfg.Publish.RequiredFields) != 2 || cfg.Publish.RequiredFields[0] != "title" || cfg.Publish.RequiredFields[1] != "price" {
		t.Fatalf("required fields not normalized: %v", cfg.Publish.RequiredFields)
	}
	// Optional fields normalize the same way and drop required duplicates.
	if len(cfg.Publish.OptionalFields) != 2 || cfg.Publish.OptionalFields[0] != "brand" || cfg.Publish.OptionalFields[1] != "year" {
		t.Fatalf("optional fields not normalized: %v", cfg.Publish.OptionalFields)
	}
	if cfg.Tools["media_analyzer"] != "/usr/local/bin/analyze --json" {
		t.Fatalf("tool binding lost: %v", cfg.Tools)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
[workflow]
poll_interval_seconds = 300
lease_ttl_seconds = 10
`)
	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("lease shorter than poll interval must be rejected")
	}
	if !strings.Contains(err.Error(), "lease_ttl_seconds") {
		t.Fatalf("error should name the offending key, got %v", err)
	}

	path = writeConfig(t, `
[logging]
format = "yaml"
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("unknown log format must be rejected")
	}
}

func TestSampleConfigParses(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, found, err := config.Load(target)
	if err != nil {
		t.Fatalf("sample config must load: %v", err)
	}
	if !found {
		t.Fatal("sample config should be found")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config must validate: %v", err)
	}
}

func TestExpandPathResolvesHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	expanded, err := config.ExpandPath("~/magpie-test")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if expanded != filepath.Join(home, "magpie-test") {
		t.Fatalf("unexpected expansion %q", expanded)
	}
}

func TestDatabaseAndLockPaths(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = "/tmp/magpie-test"
	if cfg.DatabasePath() != "/tmp/magpie-test/magpie.db" {
		t.Fatalf("unexpected db path %q", cfg.DatabasePath())
	}
	if cfg.LockPath() != "/tmp/magpie-test/magpied.lock" {
		t.Fatalf("unexpected lock path %q", cfg.LockPath())
	}
}
