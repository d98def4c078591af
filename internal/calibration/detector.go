package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"magpie/internal/logging"
)

// Detector compares each family's recent accuracy against its historical
// baseline and records anomalies when the deviation is statistically
// unlikely.
type Detector struct {
	store      *Store
	logger     *slog.Logger
	window     time.Duration
	minSamples int
	warningZ   float64
	criticalZ  float64
	clock      func() time.Time
}

// DetectorOptions tunes anomaly detection thresholds.
type DetectorOptions struct {
	Window     time.Duration
	MinSamples int
	WarningZ   float64
	CriticalZ  float64
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewDetector builds a detector over the calibration store.
func NewDetector(store *Store, opts DetectorOptions) *Detector {
	window := opts.Window
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	minSamples := opts.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	warningZ := opts.WarningZ
	if warningZ <= 0 {
		warningZ = 2.0
	}
	criticalZ := opts.CriticalZ
	if criticalZ <= warningZ {
		criticalZ = warningZ + 1.0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Detector{
		store:      store,
		logger:     logger,
		window:     window,
		minSamples: minSamples,
		warningZ:   warningZ,
		criticalZ:  criticalZ,
		clock:      clock,
	}
}

// Scan evaluates every family with enough recent samples and persists an
// anomaly for each family whose windowed accuracy dropped below its
// baseline by at least the warning z-score. Families that already have an
// open anomaly are skipped so repeated scans do not pile up duplicates.
func (d *Detector) Scan(ctx context.Context) ([]Anomaly, error) {
	cutoff := d.clock().Add(-d.window)
	recent, err := d.store.MetricsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	baselineList, err := d.store.MetricsBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	baseline := make(map[string]FamilyMetrics, len(baselineList))
	for _, m := range baselineList {
		baseline[m.Family] = m
	}

	var detected []Anomaly
	for _, window := range recent {
		base, ok := baseline[window.Family]
		if !ok || base.Samples < d.minSamples || window.Samples < d.minSamples {
			continue
		}
		z := accuracyZScore(window.Accuracy, base.Accuracy, window.Samples)
		if z > -d.warningZ {
			continue
		}
		if _, err := d.store.OpenAnomalyForFamily(ctx, window.Family); err == nil {
			continue
		} else if !IsNotFound(err) {
			return nil, err
		}

		severity := SeverityWarning
		if z <= -d.criticalZ {
			severity = SeverityCritical
		}
		anomaly := Anomaly{
			Family:           window.Family,
			Severity:         severity,
			ZScore:           z,
			WindowAccuracy:   window.Accuracy,
			BaselineAccuracy: base.Accuracy,
			SampleCount:      window.Samples,
			Message: fmt.Sprintf("accuracy dropped from %.2f to %.2f over %d recent samples (z=%.2f)",
				base.Accuracy, window.Accuracy, window.Samples, z),
			DetectedAt: d.clock(),
		}
		id, err := d.store.InsertAnomaly(ctx, anomaly)
		if err != nil {
			return nil, err
		}
		anomaly.ID = id
		detected = append(detected, anomaly)
		d.logger.Warn("tool family anomaly detected",
			logging.String("family", anomaly.Family),
			logging.String("severity", string(anomaly.Severity)),
			logging.Float64("z_score", anomaly.ZScore),
		)
	}
	return detected, nil
}

// accuracyZScore measures how far the windowed accuracy sits from the
// baseline proportion, using the baseline as the null hypothesis.
func accuracyZScore(windowAccuracy, baselineAccuracy float64, windowSamples int) float64 {
	if windowSamples <= 0 {
		return 0
	}
	variance := baselineAccuracy * (1 - baselineAccuracy) / float64(windowSamples)
	if variance <= 0 {
		// A perfect or empty baseline has no spread; any drop is maximal.
		if windowAccuracy < baselineAccuracy {
			return math.Inf(-1)
		}
		return 0
	}
	return (windowAccuracy - baselineAccuracy) / math.Sqrt(variance)
}
