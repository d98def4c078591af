package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"magpie/internal/logging"
)

const (
	minMultiplier = 0.5
	maxMultiplier = 1.5
)

// Calibrator derives fresh per-family confidence multipliers from recent
// outcome accuracy and records them as new immutable versions.
type Calibrator struct {
	store      *Store
	logger     *slog.Logger
	windowDays int
	minSamples int
	clock      func() time.Time
}

// CalibratorOptions tunes how calibrations are derived.
type CalibratorOptions struct {
	WindowDays int
	MinSamples int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewCalibrator builds a calibrator over the calibration store.
func NewCalibrator(store *Store, opts CalibratorOptions) *Calibrator {
	windowDays := opts.WindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	minSamples := opts.MinSamples
	if minSamples <= 0 {
		minSamples = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Calibrator{
		store:      store,
		logger:     logger,
		windowDays: windowDays,
		minSamples: minSamples,
		clock:      clock,
	}
}

// Recalibrate computes a new multiplier for every family with enough
// samples in the window and issues a new calibration version per family.
// The multiplier is accuracy over average stated confidence, clamped so a
// noisy window cannot swing adjustments violently. Families below the
// sample floor keep their current version.
func (c *Calibrator) Recalibrate(ctx context.Context, note string) ([]Calibration, error) {
	since := c.clock().AddDate(0, 0, -c.windowDays)
	metrics, err := c.store.MetricsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	var issued []Calibration
	for _, m := range metrics {
		if m.Samples < c.minSamples {
			c.logger.Debug("skipping family below sample floor",
				logging.String("family", m.Family),
				logging.Int("samples", m.Samples),
			)
			continue
		}
		multiplier := deriveMultiplier(m)
		versionNote := note
		if versionNote == "" {
			versionNote = fmt.Sprintf("accuracy %.2f vs confidence %.2f over %d samples",
				m.Accuracy, m.AvgConfidence, m.Samples)
		}
		cal, err := c.store.CreateCalibration(ctx, m.Family, multiplier, m.Samples, c.windowDays, versionNote)
		if err != nil {
			return issued, err
		}
		issued = append(issued, cal)
		c.logger.Info("calibration issued",
			logging.String("family", cal.Family),
			logging.Int64("version", cal.Version),
			logging.Float64("multiplier", cal.Multiplier),
		)
	}
	return issued, nil
}

// ActiveAdjustments returns the pinnable view of the active calibration
// set: per-family versions and confidence multipliers. Families without a
// calibration are simply absent and run unadjusted.
func (c *Calibrator) ActiveAdjustments(ctx context.Context) (map[string]int64, map[string]float64, error) {
	active, err := c.store.ActiveCalibrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	versions := make(map[string]int64, len(active))
	multipliers := make(map[string]float64, len(active))
	for family, cal := range active {
		versions[family] = cal.Version
		multipliers[family] = cal.Multiplier
	}
	return versions, multipliers, nil
}

func deriveMultiplier(m FamilyMetrics) float64 {
	if m.AvgConfidence <= 0 {
		return 1.0
	}
	multiplier := m.Accuracy / m.AvgConfidence
	if multiplier < minMultiplier {
		return minMultiplier
	}
	if multiplier > maxMultiplier {
		return maxMultiplier
	}
	return multiplier
}
