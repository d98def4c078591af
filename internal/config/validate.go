package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values that would prevent the daemon
// from operating correctly.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}
	if c.Pipeline.MaxAttempts < 1 {
		problems = append(problems, "pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.NodeTimeoutSeconds < 1 {
		problems = append(problems, "pipeline.node_timeout_seconds must be at least 1")
	}
	if c.Workflow.LeaseTTLSeconds <= c.Workflow.PollIntervalSeconds {
		problems = append(problems, "workflow.lease_ttl_seconds must exceed workflow.poll_interval_seconds")
	}
	if c.Publish.CompletionThreshold <= 0 || c.Publish.CompletionThreshold > 1 {
		problems = append(problems, "publish.completion_threshold must be in (0, 1]")
	}
	if c.Calibration.AnomalyZCritical < c.Calibration.AnomalyZWarning {
		problems = append(problems, "calibration.anomaly_z_critical must be at least anomaly_z_warning")
	}
	switch c.Logging.Format {
	case "text", "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
