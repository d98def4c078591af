package research

import (
	"context"
	"fmt"
	"time"

	"magpie/internal/services"
)

// RequestPause sets the cooperative pause flag on a running run. Idempotent;
// the status does not change until the executor observes the flag at the
// next node boundary. Returns ErrInvalidState when the run is not running.
func (s *Store) RequestPause(ctx context.Context, runID string) error {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs SET pause_requested = 1, updated_at = ?
         WHERE id = ? AND status = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("request pause: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		run, getErr := s.GetByID(ctx, runID)
		if getErr != nil {
			return getErr
		}
		return services.Wrap(services.ErrInvalidState, "", "request pause",
			fmt.Sprintf("run %s is %s, not running", runID, run.Status), nil)
	}
	return nil
}

// MarkPaused finalizes a pause the executor observed at a node boundary.
// The pause flag is consumed and the lease released.
func (s *Store) MarkPaused(ctx context.Context, runID, holder string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, paused_at = ?, pause_requested = 0,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND lease_holder = ?`,
		StatusPaused, now, now, runID, StatusRunning, holder,
	)
	if err != nil {
		return fmt.Errorf("mark paused: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrConcurrencyConflict, "", "mark paused",
			fmt.Sprintf("run %s is not running under holder %s", runID, holder), nil)
	}
	return nil
}

// Requeue transitions a paused or errored run back to pending so a worker
// can resume it from the checkpointed node. Eligibility (status, retry
// budget) is the controller's responsibility; this applies the guarded
// transition.
func (s *Store) Requeue(ctx context.Context, runID string) error {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, pause_requested = 0, error_message = NULL,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND step_count < retry_budget`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
		StatusPaused, StatusError,
	)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		run, getErr := s.GetByID(ctx, runID)
		if getErr != nil {
			return getErr
		}
		if run.Status.Resumable() && run.BudgetExhausted() {
			return services.Wrap(services.ErrRetryBudgetExceeded, "", "resume",
				fmt.Sprintf("run %s spent %d of %d steps", runID, run.StepCount, run.Constraints.RetryBudget), nil)
		}
		return services.Wrap(services.ErrInvalidState, "", "resume",
			fmt.Sprintf("run %s is %s", runID, run.Status), nil)
	}
	return nil
}

// Stop cancels a run from any non-terminal state, effective immediately.
// The executor's in-flight node may still checkpoint its completed work,
// but the run never advances past that point and can never be resumed.
// The lease is left in place so the in-flight checkpoint stays valid; it
// lapses on its own.
func (s *Store) Stop(ctx context.Context, runID string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, completed_at = ?, pause_requested = 0, updated_at = ?
         WHERE id = ? AND status IN (?, ?, ?, ?)`,
		StatusCancelled, now, now, runID,
		StatusPending, StatusRunning, StatusPaused, StatusError,
	)
	if err != nil {
		return fmt.Errorf("stop run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		run, getErr := s.GetByID(ctx, runID)
		if getErr != nil {
			return getErr
		}
		return services.Wrap(services.ErrInvalidState, "", "stop",
			fmt.Sprintf("run %s is already %s", runID, run.Status), nil)
	}
	return nil
}

// MarkError escalates a run to the error state, recording the failure
// message and whether manual review is needed. The lease is released.
func (s *Store) MarkError(ctx context.Context, runID, holder, message string, needsReview bool, reviewReason string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, error_message = ?, needs_review = ?, review_reason = ?,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND lease_holder = ?`,
		StatusError,
		message,
		boolToInt(needsReview),
		nullableString(reviewReason),
		now,
		runID,
		StatusRunning,
		holder,
	)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrConcurrencyConflict, "", "mark error",
			fmt.Sprintf("run %s is not running under holder %s", runID, holder), nil)
	}
	return nil
}

// MarkSuccess finalizes a completed run with its summary and completion
// score. The lease is released.
func (s *Store) MarkSuccess(ctx context.Context, runID, holder, summary string, completionScore float64) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, summary = ?, completion_score = ?, completed_at = ?,
             error_message = NULL, lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND lease_holder = ?`,
		StatusSuccess,
		nullableString(summary),
		completionScore,
		now,
		now,
		runID,
		StatusRunning,
		holder,
	)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrConcurrencyConflict, "", "mark success",
			fmt.Sprintf("run %s is not running under holder %s", runID, holder), nil)
	}
	return nil
}
