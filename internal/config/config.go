package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Pipeline contains retry and timeout policy for pipeline execution.
type Pipeline struct {
	// MaxAttempts bounds how often a single node may be attempted. The
	// overall run retry budget is MaxAttempts multiplied by the node count
	// of the compiled graph.
	MaxAttempts int `toml:"max_attempts"`
	// NodeTimeoutSeconds is the default maximum duration for one node
	// execution. Individual nodes may declare their own timeout.
	NodeTimeoutSeconds int `toml:"node_timeout_seconds"`
	// ResearchLoopLimit bounds how many times assess_missing may route back
	// for a targeted re-search within one run.
	ResearchLoopLimit int `toml:"research_loop_limit"`
}

// Workflow contains worker pool timing and lease durations.
type Workflow struct {
	Workers                  int `toml:"workers"`
	PollIntervalSeconds      int `toml:"poll_interval_seconds"`
	ErrorRetrySeconds        int `toml:"error_retry_seconds"`
	LeaseTTLSeconds          int `toml:"lease_ttl_seconds"`
	ReclaimIntervalSeconds   int `toml:"reclaim_interval_seconds"`
	IngestOutcomesOnComplete bool `toml:"ingest_outcomes_on_complete"`
}

// Publish contains completion scoring thresholds.
type Publish struct {
	// CompletionThreshold is the minimum completion score for an item to be
	// considered ready to publish.
	CompletionThreshold float64 `toml:"completion_threshold"`
	// RequiredFields lists field names that must be present and non-missing.
	RequiredFields []string `toml:"required_fields"`
	// OptionalFields lists non-required fields that still count toward the
	// completion score. Fields outside both lists are tracked but unscored.
	OptionalFields []string `toml:"optional_fields"`
	// RequiredFieldWeight and OptionalFieldWeight control completion scoring.
	RequiredFieldWeight float64 `toml:"required_field_weight"`
	OptionalFieldWeight float64 `toml:"optional_field_weight"`
}

// Calibration contains outcome aggregation and anomaly detection settings.
type Calibration struct {
	WindowDays       int     `toml:"window_days"`
	MinSamples       int     `toml:"min_samples"`
	AnomalyZWarning  float64 `toml:"anomaly_z_warning"`
	AnomalyZCritical float64 `toml:"anomaly_z_critical"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunCompleted   bool   `toml:"run_completed"`
	RunFailed      bool   `toml:"run_failed"`
	Review         bool   `toml:"review"`
	Anomalies      bool   `toml:"anomalies"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for magpie.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Pipeline: node retry bounds, timeouts, re-search loop limit
//   - Workflow: worker pool size, polling intervals, lease durations
//   - Publish: completion score thresholds and required fields
//   - Calibration: outcome windows and anomaly thresholds
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
//   - Tools: external command bindings per tool name
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Workflow      Workflow      `toml:"workflow"`
	Publish       Publish       `toml:"publish"`
	Calibration   Calibration   `toml:"calibration"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	// Tools maps a tool name to the external command that implements it.
	// Tools without a binding fall back to the builtin implementation.
	Tools map[string]string `toml:"tools"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/magpie/config.toml")
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was found; defaults apply otherwise.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("magpie.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "magpie.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "magpied.lock")
}

// ExpandPath resolves ~ and relative segments to an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the embedded sample configuration to target.
func CreateSample(target string) error {
	return os.WriteFile(target, []byte(sampleConfig), 0o644)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
