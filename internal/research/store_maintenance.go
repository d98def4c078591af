package research

import (
	"context"
	"fmt"
	"time"
)

// Stats returns a count of runs grouped by status.
func (s *Store) Stats(ctx context.Context) (CountsByStatus, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM research_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(CountsByStatus)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates run state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusRunning:
			health.Running += count
		case StatusPaused:
			health.Paused += count
		case StatusError:
			health.Errored += count
		case StatusCancelled:
			health.Cancelled += count
		case StatusSuccess:
			health.Succeeded += count
		}
	}
	return health, nil
}

// PruneTerminal deletes terminal runs older than the cutoff together with
// their activity entries. Runs are destroyed only by this retention path,
// never by pipeline logic.
func (s *Store) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM research_runs
         WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusSuccess,
		StatusCancelled,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal runs: %w", err)
	}
	return res.RowsAffected()
}
