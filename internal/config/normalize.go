package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeWorkflow()
	c.normalizePublish()
	c.normalizeCalibration()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if c.Pipeline.NodeTimeoutSeconds <= 0 {
		c.Pipeline.NodeTimeoutSeconds = defaultNodeTimeoutSeconds
	}
	if c.Pipeline.ResearchLoopLimit < 0 {
		c.Pipeline.ResearchLoopLimit = defaultResearchLoopLimit
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Workers <= 0 {
		c.Workflow.Workers = defaultWorkers
	}
	if c.Workflow.PollIntervalSeconds <= 0 {
		c.Workflow.PollIntervalSeconds = defaultPollInterval
	}
	if c.Workflow.ErrorRetrySeconds <= 0 {
		c.Workflow.ErrorRetrySeconds = defaultErrorRetryInterval
	}
	if c.Workflow.LeaseTTLSeconds <= 0 {
		c.Workflow.LeaseTTLSeconds = defaultLeaseTTLSeconds
	}
	if c.Workflow.ReclaimIntervalSeconds <= 0 {
		c.Workflow.ReclaimIntervalSeconds = defaultReclaimInterval
	}
}

func (c *Config) normalizePublish() {
	if c.Publish.CompletionThreshold <= 0 || c.Publish.CompletionThreshold > 1 {
		c.Publish.CompletionThreshold = defaultCompletionThreshold
	}
	if c.Publish.RequiredFieldWeight <= 0 {
		c.Publish.RequiredFieldWeight = defaultRequiredWeight
	}
	if c.Publish.OptionalFieldWeight <= 0 {
		c.Publish.OptionalFieldWeight = defaultOptionalWeight
	}
	fields := normalizeFieldList(c.Publish.RequiredFields)
	if len(fields) == 0 {
		fields = defaultRequiredFields()
	}
	c.Publish.RequiredFields = fields

	if len(c.Publish.OptionalFields) == 0 {
		c.Publish.OptionalFields = defaultOptionalFields()
	}
	required := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		required[field] = struct{}{}
	}
	optional := make([]string, 0, len(c.Publish.OptionalFields))
	for _, field := range normalizeFieldList(c.Publish.OptionalFields) {
		if _, dup := required[field]; dup {
			continue
		}
		optional = append(optional, field)
	}
	c.Publish.OptionalFields = optional
}

func normalizeFieldList(fields []string) []string {
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		normalized := strings.ToLower(strings.TrimSpace(field))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func (c *Config) normalizeCalibration() {
	if c.Calibration.WindowDays <= 0 {
		c.Calibration.WindowDays = defaultCalibrationWindow
	}
	if c.Calibration.MinSamples <= 0 {
		c.Calibration.MinSamples = defaultCalibrationSamples
	}
	if c.Calibration.AnomalyZWarning <= 0 {
		c.Calibration.AnomalyZWarning = defaultAnomalyZWarning
	}
	if c.Calibration.AnomalyZCritical <= 0 {
		c.Calibration.AnomalyZCritical = defaultAnomalyZCritical
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
