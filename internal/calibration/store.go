package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"magpie/internal/services"
)

// Store persists outcomes, anomalies, and calibration versions. It shares
// the run store's database handle so checkpoints and outcome writes go
// through one SQLite connection pool.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already opened and migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordOutcome appends one verified tool outcome.
func (s *Store) RecordOutcome(ctx context.Context, outcome Outcome) (int64, error) {
	if err := outcome.Validate(); err != nil {
		return 0, services.Wrap(services.ErrValidation, "", "record outcome", err.Error(), nil)
	}
	recordedAt := outcome.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO tool_outcomes
            (run_id, item_id, tool, family, field_name, predicted_confidence, correct, error_magnitude, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.RunID, outcome.ItemID, outcome.Tool, strings.ToLower(outcome.Family),
		strings.ToLower(outcome.FieldName), outcome.PredictedConfidence,
		boolToInt(outcome.Correct), outcome.ErrorMagnitude,
		recordedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, services.Wrap(services.ErrPersistence, "", "record outcome", "insert failed", err)
	}
	return res.LastInsertId()
}

// OutcomesForRun lists outcomes recorded against one run, oldest first.
func (s *Store) OutcomesForRun(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, run_id, item_id, tool, family, field_name, predicted_confidence, correct, error_magnitude, recorded_at
        FROM tool_outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "list outcomes", "query failed", err)
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, outcome)
	}
	return out, rows.Err()
}

func scanOutcome(rows *sql.Rows) (Outcome, error) {
	var (
		o          Outcome
		correct    int
		recordedAt string
	)
	if err := rows.Scan(&o.ID, &o.RunID, &o.ItemID, &o.Tool, &o.Family, &o.FieldName,
		&o.PredictedConfidence, &correct, &o.ErrorMagnitude, &recordedAt); err != nil {
		return Outcome{}, services.Wrap(services.ErrPersistence, "", "scan outcome", "row scan failed", err)
	}
	o.Correct = correct != 0
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrPersistence, "", "scan outcome", "bad timestamp", err)
	}
	o.RecordedAt = ts
	return o, nil
}

// MetricsSince aggregates per-family metrics for outcomes recorded at or
// after since. A zero since aggregates everything.
func (s *Store) MetricsSince(ctx context.Context, since time.Time) ([]FamilyMetrics, error) {
	return s.metricsBetween(ctx, since, time.Time{})
}

// MetricsBefore aggregates the historical baseline: outcomes recorded
// strictly before the cutoff.
func (s *Store) MetricsBefore(ctx context.Context, cutoff time.Time) ([]FamilyMetrics, error) {
	return s.metricsBetween(ctx, time.Time{}, cutoff)
}

func (s *Store) metricsBetween(ctx context.Context, since, before time.Time) ([]FamilyMetrics, error) {
	query := `
        SELECT family,
               COUNT(*),
               AVG(correct),
               AVG(predicted_confidence),
               AVG(error_magnitude)
        FROM tool_outcomes`
	var (
		clauses []string
		args    []any
	)
	if !since.IsZero() {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, since.Format(time.RFC3339Nano))
	}
	if !before.IsZero() {
		clauses = append(clauses, "recorded_at < ?")
		args = append(args, before.Format(time.RFC3339Nano))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY family ORDER BY family"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "aggregate metrics", "query failed", err)
	}
	defer rows.Close()
	var out []FamilyMetrics
	for rows.Next() {
		var m FamilyMetrics
		if err := rows.Scan(&m.Family, &m.Samples, &m.Accuracy, &m.AvgConfidence, &m.AvgErrorMagnitude); err != nil {
			return nil, services.Wrap(services.ErrPersistence, "", "aggregate metrics", "row scan failed", err)
		}
		m.CalibrationGap = m.AvgConfidence - m.Accuracy
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertAnomaly persists a detected anomaly and returns its id.
func (s *Store) InsertAnomaly(ctx context.Context, a Anomaly) (int64, error) {
	detectedAt := a.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO anomalies
            (family, severity, z_score, window_accuracy, baseline_accuracy, sample_count, message, detected_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(a.Family), string(a.Severity), a.ZScore,
		a.WindowAccuracy, a.BaselineAccuracy, a.SampleCount, a.Message,
		detectedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, services.Wrap(services.ErrPersistence, "", "insert anomaly", "insert failed", err)
	}
	return res.LastInsertId()
}

// OpenAnomalies lists unresolved anomalies, most recent first.
func (s *Store) OpenAnomalies(ctx context.Context) ([]Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, family, severity, z_score, window_accuracy, baseline_accuracy, sample_count, message, detected_at, resolved_at, resolved_by
        FROM anomalies WHERE resolved_at IS NULL ORDER BY detected_at DESC`)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "list anomalies", "query failed", err)
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// OpenAnomalyForFamily returns the newest unresolved anomaly for a family,
// or ErrNotFound.
func (s *Store) OpenAnomalyForFamily(ctx context.Context, family string) (Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, family, severity, z_score, window_accuracy, baseline_accuracy, sample_count, message, detected_at, resolved_at, resolved_by
        FROM anomalies WHERE family = ? AND resolved_at IS NULL
        ORDER BY detected_at DESC LIMIT 1`, strings.ToLower(family))
	if err != nil {
		return Anomaly{}, services.Wrap(services.ErrPersistence, "", "lookup anomaly", "query failed", err)
	}
	defer rows.Close()
	found, err := collectAnomalies(rows)
	if err != nil {
		return Anomaly{}, err
	}
	if len(found) == 0 {
		return Anomaly{}, services.Wrap(services.ErrNotFound, "", "lookup anomaly", fmt.Sprintf("no open anomaly for family %q", family), nil)
	}
	return found[0], nil
}

func collectAnomalies(rows *sql.Rows) ([]Anomaly, error) {
	var out []Anomaly
	for rows.Next() {
		var (
			a          Anomaly
			severity   string
			detectedAt string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Family, &severity, &a.ZScore, &a.WindowAccuracy,
			&a.BaselineAccuracy, &a.SampleCount, &a.Message, &detectedAt, &resolvedAt, &a.ResolvedBy); err != nil {
			return nil, services.Wrap(services.ErrPersistence, "", "scan anomaly", "row scan failed", err)
		}
		a.Severity = Severity(severity)
		ts, err := time.Parse(time.RFC3339Nano, detectedAt)
		if err != nil {
			return nil, services.Wrap(services.ErrPersistence, "", "scan anomaly", "bad timestamp", err)
		}
		a.DetectedAt = ts
		if resolvedAt.Valid {
			rts, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
			if err != nil {
				return nil, services.Wrap(services.ErrPersistence, "", "scan anomaly", "bad timestamp", err)
			}
			a.ResolvedAt = &rts
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAnomaly marks an open anomaly resolved. Resolving an already
// resolved or unknown anomaly returns ErrNotFound.
func (s *Store) ResolveAnomaly(ctx context.Context, id int64, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE anomalies SET resolved_at = ?, resolved_by = ?
        WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), resolvedBy, id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "resolve anomaly", "update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "resolve anomaly", "rows affected", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "", "resolve anomaly", fmt.Sprintf("anomaly %d is not open", id), nil)
	}
	return nil
}

// CreateCalibration issues the next calibration version for a family and
// activates it, deactivating the previous active version in the same
// transaction. Existing rows are never updated beyond the active flag.
func (s *Store) CreateCalibration(ctx context.Context, family string, multiplier float64, sampleCount, windowDays int, note string) (Calibration, error) {
	family = strings.ToLower(strings.TrimSpace(family))
	if family == "" {
		return Calibration{}, services.Wrap(services.ErrValidation, "", "create calibration", "family is empty", nil)
	}
	if multiplier <= 0 {
		return Calibration{}, services.Wrap(services.ErrValidation, "", "create calibration", fmt.Sprintf("multiplier %.3f is not positive", multiplier), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "begin failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM calibrations WHERE family = ?`, family).Scan(&version); err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "version lookup failed", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calibrations SET active = 0 WHERE family = ? AND active = 1`, family); err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "deactivate failed", err)
	}
	createdAt := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
        INSERT INTO calibrations (family, version, multiplier, sample_count, window_days, note, active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		family, version, multiplier, sampleCount, windowDays, note, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "insert failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "last insert id", err)
	}
	if err := tx.Commit(); err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "create calibration", "commit failed", err)
	}
	return Calibration{
		ID:          id,
		Family:      family,
		Version:     version,
		Multiplier:  multiplier,
		SampleCount: sampleCount,
		WindowDays:  windowDays,
		Note:        note,
		Active:      true,
		CreatedAt:   createdAt,
	}, nil
}

// ActiveCalibrations returns the active version per family.
func (s *Store) ActiveCalibrations(ctx context.Context) (map[string]Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, family, version, multiplier, sample_count, window_days, note, active, created_at
        FROM calibrations WHERE active = 1`)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "active calibrations", "query failed", err)
	}
	defer rows.Close()
	out := make(map[string]Calibration)
	for rows.Next() {
		cal, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out[cal.Family] = cal
	}
	return out, rows.Err()
}

// CalibrationHistory lists every version issued for a family, newest first.
func (s *Store) CalibrationHistory(ctx context.Context, family string) ([]Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, family, version, multiplier, sample_count, window_days, note, active, created_at
        FROM calibrations WHERE family = ? ORDER BY version DESC`, strings.ToLower(family))
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "calibration history", "query failed", err)
	}
	defer rows.Close()
	var out []Calibration
	for rows.Next() {
		cal, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	return out, rows.Err()
}

// CalibrationByVersion fetches one specific version, active or not. Pinned
// runs audit their adjustments through this lookup.
func (s *Store) CalibrationByVersion(ctx context.Context, family string, version int64) (Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, family, version, multiplier, sample_count, window_days, note, active, created_at
        FROM calibrations WHERE family = ? AND version = ?`, strings.ToLower(family), version)
	if err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "calibration lookup", "query failed", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Calibration{}, services.Wrap(services.ErrPersistence, "", "calibration lookup", "row iteration", err)
		}
		return Calibration{}, services.Wrap(services.ErrNotFound, "", "calibration lookup",
			fmt.Sprintf("family %q has no version %d", family, version), nil)
	}
	return scanCalibration(rows)
}

func scanCalibration(rows *sql.Rows) (Calibration, error) {
	var (
		cal       Calibration
		active    int
		createdAt string
	)
	if err := rows.Scan(&cal.ID, &cal.Family, &cal.Version, &cal.Multiplier,
		&cal.SampleCount, &cal.WindowDays, &cal.Note, &active, &createdAt); err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "scan calibration", "row scan failed", err)
	}
	cal.Active = active != 0
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Calibration{}, services.Wrap(services.ErrPersistence, "", "scan calibration", "bad timestamp", err)
	}
	cal.CreatedAt = ts
	return cal, nil
}

// IsNotFound reports whether err is the store's not-found marker.
func IsNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
