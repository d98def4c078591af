package research

import (
	"context"
	"fmt"
	"time"

	"magpie/internal/services"
)

// AcquireLease atomically claims a pending run for a worker, transitioning
// it to running with an exclusive, time-bounded lease. A second worker
// cannot acquire the lease while one holder is active.
func (s *Store) AcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (*Run, error) {
	ctx = ensureContext(ctx)
	if holder == "" {
		return nil, services.Wrap(services.ErrValidation, "", "acquire lease", "holder is empty", nil)
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, lease_holder = ?, lease_expires_at = ?,
             started_at = COALESCE(started_at, ?), updated_at = ?
         WHERE id = ? AND status = ?
           AND (lease_holder IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)`,
		StatusRunning,
		holder,
		expires.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		runID,
		StatusPending,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		run, getErr := s.GetByID(ctx, runID)
		if getErr != nil {
			return nil, getErr
		}
		if run.LeaseActive(now) {
			return nil, services.Wrap(services.ErrConcurrencyConflict, "", "acquire lease",
				fmt.Sprintf("run %s is leased to %s", runID, run.LeaseHolder), nil)
		}
		return nil, services.Wrap(services.ErrInvalidState, "", "acquire lease",
			fmt.Sprintf("run %s is %s", runID, run.Status), nil)
	}

	return s.GetByID(ctx, runID)
}

// RenewLease extends the lease for the current holder.
func (s *Store) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND lease_holder = ?`,
		now.Add(ttl).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		runID,
		holder,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrConcurrencyConflict, "", "renew lease",
			fmt.Sprintf("run %s is not leased to %s", runID, holder), nil)
	}
	return nil
}

// ReleaseLease clears the lease columns for the current holder. Releasing a
// lease another worker now holds is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, runID, holder string) error {
	ctx = ensureContext(ctx)
	_, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs SET lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND lease_holder = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID,
		holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReclaimExpired returns running runs whose lease lapsed without renewal to
// the pending state so another worker can resume them from the last good
// checkpoint. Runs whose retry budget is already spent move to error
// instead.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	exhausted, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, error_message = 'execution lease expired; retry budget exhausted',
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
           AND step_count >= retry_budget`,
		StatusError, now, StatusRunning, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim exhausted runs: %w", err)
	}
	exhaustedCount, err := exhausted.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE research_runs
         SET status = ?, lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		StatusPending, now, StatusRunning, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale runs: %w", err)
	}
	reclaimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return reclaimed + exhaustedCount, nil
}
