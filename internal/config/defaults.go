package config

const (
	defaultDataDir             = "~/.local/share/magpie"
	defaultLogDir              = "~/.local/share/magpie/logs"
	defaultLogFormat           = "text"
	defaultLogLevel            = "info"
	defaultMaxAttempts         = 3
	defaultNodeTimeoutSeconds  = 120
	defaultResearchLoopLimit   = 2
	defaultWorkers             = 2
	defaultPollInterval        = 5
	defaultErrorRetryInterval  = 10
	defaultLeaseTTLSeconds     = 120
	defaultReclaimInterval     = 30
	defaultCompletionThreshold = 0.7
	defaultRequiredWeight      = 2.0
	defaultOptionalWeight      = 1.0
	defaultCalibrationWindow   = 30
	defaultCalibrationSamples  = 10
	defaultAnomalyZWarning     = 2.0
	defaultAnomalyZCritical    = 3.0
	defaultNtfyTimeout         = 10
)

func defaultRequiredFields() []string {
	return []string{"title", "category", "condition", "price"}
}

func defaultOptionalFields() []string {
	return []string{"brand", "model", "year", "color"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Pipeline: Pipeline{
			MaxAttempts:        defaultMaxAttempts,
			NodeTimeoutSeconds: defaultNodeTimeoutSeconds,
			ResearchLoopLimit:  defaultResearchLoopLimit,
		},
		Workflow: Workflow{
			Workers:                  defaultWorkers,
			PollIntervalSeconds:      defaultPollInterval,
			ErrorRetrySeconds:        defaultErrorRetryInterval,
			LeaseTTLSeconds:          defaultLeaseTTLSeconds,
			ReclaimIntervalSeconds:   defaultReclaimInterval,
			IngestOutcomesOnComplete: true,
		},
		Publish: Publish{
			CompletionThreshold: defaultCompletionThreshold,
			RequiredFields:      defaultRequiredFields(),
			OptionalFields:      defaultOptionalFields(),
			RequiredFieldWeight: defaultRequiredWeight,
			OptionalFieldWeight: defaultOptionalWeight,
		},
		Calibration: Calibration{
			WindowDays:       defaultCalibrationWindow,
			MinSamples:       defaultCalibrationSamples,
			AnomalyZWarning:  defaultAnomalyZWarning,
			AnomalyZCritical: defaultAnomalyZCritical,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyTimeout,
			RunCompleted:   true,
			RunFailed:      true,
			Review:         true,
			Anomalies:      true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
