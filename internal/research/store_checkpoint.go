package research

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"magpie/internal/activity"
	"magpie/internal/fieldstate"
	"magpie/internal/services"
)

// CheckpointWrite is the atomic persistence of one node attempt: the step
// history entry, the advanced current node, the replaced field state
// snapshot, accumulated cost, and the activity log entries describing what
// happened — committed together or not at all.
type CheckpointWrite struct {
	RunID  string
	Holder string
	// LeaseTTL extends the holder's lease as part of the checkpoint.
	LeaseTTL time.Duration
	Step     StepRecord
	// AdvanceTo sets current_node; empty leaves it unchanged (failed
	// attempts do not advance).
	AdvanceTo   string
	FieldStates map[string]fieldstate.State
	CostDelta   float64
	Entries     []activity.Entry
}

// Validate rejects malformed checkpoints before any write is attempted.
func (cp CheckpointWrite) Validate() error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint: run id is empty")
	}
	if cp.Holder == "" {
		return fmt.Errorf("checkpoint: lease holder is empty")
	}
	if err := cp.Step.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := fieldstate.ValidateMap(cp.FieldStates); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	for _, entry := range cp.Entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}
	return nil
}

// Checkpoint applies a CheckpointWrite in a single transaction. The write
// verifies the caller still holds the execution lease; a crash before
// commit leaves the run exactly at the previous checkpoint. Failures are
// reported as ErrPersistence (or ErrConcurrencyConflict when the lease was
// lost) and the run must not proceed past them.
func (s *Store) Checkpoint(ctx context.Context, cp CheckpointWrite) ([]activity.Entry, error) {
	ctx = ensureContext(ctx)
	if err := cp.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, cp.Step.Node, "checkpoint", err.Error(), nil)
	}

	fieldsJSON, err := json.Marshal(cp.FieldStates)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "encode field states", err)
	}

	var committed []activity.Entry
	err = retryOnBusy(ctx, func() error {
		var txErr error
		committed, txErr = s.checkpointTx(ctx, cp, string(fieldsJSON))
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Store) checkpointTx(ctx context.Context, cp CheckpointWrite, fieldsJSON string) ([]activity.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		statusStr   string
		leaseHolder sql.NullString
		historyJSON string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT status, lease_holder, step_history FROM research_runs WHERE id = ?`, cp.RunID)
	if err := row.Scan(&statusStr, &leaseHolder, &historyJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, services.Wrap(services.ErrNotFound, cp.Step.Node, "checkpoint", fmt.Sprintf("run %s", cp.RunID), nil)
		}
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "read run", err)
	}
	if leaseHolder.String != cp.Holder {
		return nil, services.Wrap(services.ErrConcurrencyConflict, cp.Step.Node, "checkpoint",
			fmt.Sprintf("lease for run %s now held by %q", cp.RunID, leaseHolder.String), nil)
	}
	// A cancelled run may still checkpoint its in-flight node so completed
	// work is never torn; any other non-running status is a bug.
	switch Status(statusStr) {
	case StatusRunning, StatusCancelled:
	default:
		return nil, services.Wrap(services.ErrInvalidState, cp.Step.Node, "checkpoint",
			fmt.Sprintf("run %s is %s", cp.RunID, statusStr), nil)
	}

	var history []StepRecord
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "decode step history", err)
	}
	history = append(history, cp.Step)
	newHistoryJSON, err := json.Marshal(history)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "encode step history", err)
	}

	now := time.Now().UTC()
	leaseExpiry := now.Add(cp.LeaseTTL).Format(time.RFC3339Nano)

	if cp.AdvanceTo != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE research_runs
             SET step_history = ?, current_node = ?, step_count = step_count + 1,
                 field_states = ?, cost_usd = cost_usd + ?,
                 lease_expires_at = ?, updated_at = ?
             WHERE id = ?`,
			string(newHistoryJSON), cp.AdvanceTo, fieldsJSON, cp.CostDelta,
			leaseExpiry, now.Format(time.RFC3339Nano), cp.RunID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE research_runs
             SET step_history = ?, step_count = step_count + 1,
                 field_states = ?, cost_usd = cost_usd + ?,
                 lease_expires_at = ?, updated_at = ?
             WHERE id = ?`,
			string(newHistoryJSON), fieldsJSON, cp.CostDelta,
			leaseExpiry, now.Format(time.RFC3339Nano), cp.RunID,
		)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "write run", err)
	}

	committed := make([]activity.Entry, 0, len(cp.Entries))
	for _, entry := range cp.Entries {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		id, insErr := insertActivityTx(ctx, tx, entry)
		if insErr != nil {
			return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "write activity", insErr)
		}
		entry.ID = id
		committed = append(committed, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, services.Wrap(services.ErrPersistence, cp.Step.Node, "checkpoint", "commit", err)
	}
	return committed, nil
}
