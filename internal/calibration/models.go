package calibration

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is one verified tool result: what the tool predicted and whether
// it turned out to be correct once the human or downstream sale confirmed
// it.
type Outcome struct {
	ID                  int64
	RunID               string
	ItemID              string
	Tool                string
	Family              string
	FieldName           string
	PredictedConfidence float64
	Correct             bool
	// ErrorMagnitude carries the relative error for numeric predictions
	// such as price; zero for categorical fields.
	ErrorMagnitude float64
	RecordedAt     time.Time
}

// Validate rejects outcomes that would corrupt metric aggregation.
func (o Outcome) Validate() error {
	if strings.TrimSpace(o.RunID) == "" {
		return fmt.Errorf("outcome: run id is empty")
	}
	if strings.TrimSpace(o.Tool) == "" {
		return fmt.Errorf("outcome: tool is empty")
	}
	if strings.TrimSpace(o.Family) == "" {
		return fmt.Errorf("outcome: family is empty")
	}
	if o.PredictedConfidence < 0 || o.PredictedConfidence > 1 {
		return fmt.Errorf("outcome: predicted confidence %.3f is out of range", o.PredictedConfidence)
	}
	return nil
}

// FamilyMetrics aggregates outcomes for one tool family over a window.
type FamilyMetrics struct {
	Family        string
	Samples       int
	Accuracy      float64
	AvgConfidence float64
	// CalibrationGap is average confidence minus accuracy: positive means
	// the family is overconfident.
	CalibrationGap    float64
	AvgErrorMagnitude float64
}

// Severity grades a detected anomaly.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is a persistent record of a detected accuracy deviation for a
// tool family. Open anomalies stay visible until explicitly resolved.
type Anomaly struct {
	ID               int64
	Family           string
	Severity         Severity
	ZScore           float64
	WindowAccuracy   float64
	BaselineAccuracy float64
	SampleCount      int
	Message          string
	DetectedAt       time.Time
	ResolvedAt       *time.Time
	ResolvedBy       string
}

// Resolved reports whether the anomaly has been acknowledged.
func (a Anomaly) Resolved() bool { return a.ResolvedAt != nil }

// Calibration is one immutable versioned adjustment for a tool family. At
// most one version per family is active at a time; superseded versions
// remain queryable forever so pinned runs can be audited.
type Calibration struct {
	ID          int64
	Family      string
	Version     int64
	Multiplier  float64
	SampleCount int
	WindowDays  int
	Note        string
	Active      bool
	CreatedAt   time.Time
}
