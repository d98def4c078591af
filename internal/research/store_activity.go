package research

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"magpie/internal/activity"
)

func insertActivityTx(ctx context.Context, tx *sql.Tx, entry activity.Entry) (int64, error) {
	var metadataJSON any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO activity_log (
            run_id, item_id, type, event_type, operation_id, operation_type,
            title, message, metadata, status, step_id, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.ItemID,
		string(entry.Type),
		entry.EventType,
		nullableString(entry.OperationID),
		nullableString(entry.OperationType),
		entry.Title,
		nullableString(entry.Message),
		metadataJSON,
		string(entry.Status),
		nullableString(entry.StepID),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActivityForRun returns a run's activity entries in creation order,
// optionally restricted to entries after since.
func (s *Store) ActivityForRun(ctx context.Context, runID string, since time.Time, limit int) ([]activity.Entry, error) {
	return s.queryActivity(ctx, `run_id = ?`, runID, since, limit)
}

// ActivityForItem returns an item's activity entries across all of its runs
// in creation order.
func (s *Store) ActivityForItem(ctx context.Context, itemID string, since time.Time, limit int) ([]activity.Entry, error) {
	return s.queryActivity(ctx, `item_id = ?`, itemID, since, limit)
}

func (s *Store) queryActivity(ctx context.Context, where, key string, since time.Time, limit int) ([]activity.Entry, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 500
	}
	args := []any{key}
	query := `SELECT id, run_id, item_id, type, event_type, operation_id, operation_type,
                 title, message, metadata, status, step_id, timestamp
          FROM activity_log WHERE ` + where
	if !since.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []activity.Entry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanActivity(scanner interface{ Scan(dest ...any) error }) (activity.Entry, error) {
	var (
		id            int64
		runID         string
		itemID        string
		entryType     string
		eventType     string
		operationID   sql.NullString
		operationType sql.NullString
		title         string
		message       sql.NullString
		metadataRaw   sql.NullString
		status        string
		stepID        sql.NullString
		timestampRaw  string
	)
	if err := scanner.Scan(
		&id,
		&runID,
		&itemID,
		&entryType,
		&eventType,
		&operationID,
		&operationType,
		&title,
		&message,
		&metadataRaw,
		&status,
		&stepID,
		&timestampRaw,
	); err != nil {
		return activity.Entry{}, err
	}

	entry := activity.Entry{
		ID:            id,
		RunID:         runID,
		ItemID:        itemID,
		Type:          activity.EntryType(entryType),
		EventType:     eventType,
		OperationID:   operationID.String,
		OperationType: operationType.String,
		Title:         title,
		Message:       message.String,
		Status:        activity.EntryStatus(status),
		StepID:        stepID.String,
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		if err := json.Unmarshal([]byte(metadataRaw.String), &entry.Metadata); err != nil {
			return activity.Entry{}, fmt.Errorf("decode activity metadata: %w", err)
		}
	}
	if ts, err := parseTimeString(timestampRaw); err == nil {
		entry.Timestamp = ts
	}
	return entry, nil
}
