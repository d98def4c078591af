package research

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"magpie/internal/fieldstate"
	"magpie/internal/services"
)

// NewRunParams describes a run to create.
type NewRunParams struct {
	ItemID      string
	RunType     RunType
	Mode        Mode
	Constraints Constraints
	Seeds       map[string]fieldstate.State
}

// CreateRun inserts a new pending run for an item. It fails with
// ErrInvalidState when the item already has a pending, running, or paused
// run; creation has no side effect beyond the record itself.
func (s *Store) CreateRun(ctx context.Context, params NewRunParams) (*Run, error) {
	ctx = ensureContext(ctx)
	itemID := strings.TrimSpace(params.ItemID)
	if itemID == "" {
		return nil, services.Wrap(services.ErrValidation, "", "create run", "item id is empty", nil)
	}
	if params.RunType == "" {
		params.RunType = RunTypeInitial
	}
	if params.Mode == "" {
		params.Mode = ModeBalanced
	}
	if err := params.Constraints.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "create run", err.Error(), nil)
	}
	if err := fieldstate.ValidateMap(params.Seeds); err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "create run", err.Error(), nil)
	}

	constraintsJSON, err := json.Marshal(params.Constraints)
	if err != nil {
		return nil, fmt.Errorf("marshal constraints: %w", err)
	}
	seeds := params.Seeds
	if seeds == nil {
		seeds = map[string]fieldstate.State{}
	}
	fieldsJSON, err := json.Marshal(seeds)
	if err != nil {
		return nil, fmt.Errorf("marshal field states: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO research_runs (
            id, item_id, run_type, status, pipeline_version, step_history,
            created_at, updated_at, field_states, mode, constraints, retry_budget
        ) SELECT ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?, ?, ?
          WHERE NOT EXISTS (
            SELECT 1 FROM research_runs
            WHERE item_id = ? AND status IN (?, ?, ?)
          )`,
		id,
		itemID,
		string(params.RunType),
		StatusPending,
		params.Constraints.PipelineVersion,
		timestamp,
		timestamp,
		string(fieldsJSON),
		string(params.Mode),
		string(constraintsJSON),
		params.Constraints.RetryBudget,
		itemID,
		StatusPending, StatusRunning, StatusPaused,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, services.Wrap(services.ErrInvalidState, "", "create run",
			fmt.Sprintf("item %s already has an active run", itemID), nil)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a run by identifier. Missing runs return ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*Run, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM research_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get run", fmt.Sprintf("run %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// RunsForItem returns an item's runs ordered by recency.
func (s *Store) RunsForItem(ctx context.Context, itemID string, limit int) ([]*Run, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM research_runs WHERE item_id = ? ORDER BY created_at DESC LIMIT ?`,
		itemID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs for item: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ActiveRunForItem returns the item's pending, running, or paused run, if any.
func (s *Store) ActiveRunForItem(ctx context.Context, itemID string) (*Run, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM research_runs
         WHERE item_id = ? AND status IN (?, ?, ?) LIMIT 1`,
		itemID, StatusPending, StatusRunning, StatusPaused,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run for item: %w", err)
	}
	return run, nil
}

// List returns runs filtered by status set (or all runs when no status is
// provided), ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Run, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + runColumns + ` FROM research_runs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// NextReady returns the oldest pending run with no live lease, or nil.
func (s *Store) NextReady(ctx context.Context) (*Run, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM research_runs
         WHERE status = ? AND (lease_holder IS NULL OR lease_expires_at < ?)
         ORDER BY created_at LIMIT 1`,
		StatusPending, now,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next ready run: %w", err)
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const runColumns = "id, item_id, run_type, status, pipeline_version, current_node, step_count, step_history, pause_requested, paused_at, started_at, completed_at, created_at, updated_at, error_message, summary, field_states, cost_usd, completion_score, mode, constraints, retry_budget, lease_holder, lease_expires_at, needs_review, review_reason"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		id              string
		itemID          string
		runType         string
		statusStr       string
		pipelineVersion string
		currentNode     sql.NullString
		stepCount       int
		stepHistoryJSON string
		pauseRequested  sql.NullInt64
		pausedRaw       sql.NullString
		startedRaw      sql.NullString
		completedRaw    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		errorMessage    sql.NullString
		summary         sql.NullString
		fieldStatesJSON string
		costUsd         sql.NullFloat64
		completionScore sql.NullFloat64
		mode            string
		constraintsJSON string
		retryBudget     int
		leaseHolder     sql.NullString
		leaseExpiresRaw sql.NullString
		needsReview     sql.NullInt64
		reviewReason    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&itemID,
		&runType,
		&statusStr,
		&pipelineVersion,
		&currentNode,
		&stepCount,
		&stepHistoryJSON,
		&pauseRequested,
		&pausedRaw,
		&startedRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
		&errorMessage,
		&summary,
		&fieldStatesJSON,
		&costUsd,
		&completionScore,
		&mode,
		&constraintsJSON,
		&retryBudget,
		&leaseHolder,
		&leaseExpiresRaw,
		&needsReview,
		&reviewReason,
	); err != nil {
		return nil, err
	}

	run := &Run{
		ID:              id,
		ItemID:          itemID,
		RunType:         RunType(runType),
		Status:          Status(statusStr),
		PipelineVersion: pipelineVersion,
		CurrentNode:     currentNode.String,
		StepCount:       stepCount,
		ErrorMessage:    errorMessage.String,
		Summary:         summary.String,
		CostUsd:         costUsd.Float64,
		CompletionScore: completionScore.Float64,
		Mode:            Mode(mode),
		LeaseHolder:     leaseHolder.String,
		ReviewReason:    reviewReason.String,
	}
	run.PauseRequested = pauseRequested.Valid && pauseRequested.Int64 != 0
	run.NeedsReview = needsReview.Valid && needsReview.Int64 != 0

	if err := json.Unmarshal([]byte(stepHistoryJSON), &run.StepHistory); err != nil {
		return nil, fmt.Errorf("decode step history for run %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fieldStatesJSON), &run.FieldStates); err != nil {
		return nil, fmt.Errorf("decode field states for run %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &run.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints for run %s: %w", id, err)
	}
	if run.Constraints.RetryBudget == 0 {
		run.Constraints.RetryBudget = retryBudget
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		run.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		run.UpdatedAt = updated
	}
	run.PausedAt = parseOptionalTime(pausedRaw)
	run.StartedAt = parseOptionalTime(startedRaw)
	run.CompletedAt = parseOptionalTime(completedRaw)
	run.LeaseExpiresAt = parseOptionalTime(leaseExpiresRaw)
	return run, nil
}

func parseOptionalTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	value, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &value
}
