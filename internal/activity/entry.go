package activity

import (
	"fmt"
	"strings"
	"time"
)

// EntryType groups entries by the kind of work they describe.
type EntryType string

const (
	TypeNode       EntryType = "node"
	TypeToolCall   EntryType = "tool_call"
	TypeFieldsSet  EntryType = "fields_set"
	TypeTransition EntryType = "transition"
	TypeControl    EntryType = "control"
)

// EntryStatus records how the logged operation ended.
type EntryStatus string

const (
	EntryStatusInProgress EntryStatus = "in_progress"
	EntryStatusSuccess    EntryStatus = "success"
	EntryStatusFailure    EntryStatus = "failure"
	EntryStatusSkipped    EntryStatus = "skipped"
)

// Entry is one immutable activity log record. Parent/child events share an
// OperationID so a tool call and its field updates group together.
type Entry struct {
	ID            int64             `json:"id"`
	RunID         string            `json:"run_id"`
	ItemID        string            `json:"item_id"`
	Type          EntryType         `json:"type"`
	EventType     string            `json:"event_type"`
	OperationID   string            `json:"operation_id,omitempty"`
	OperationType string            `json:"operation_type,omitempty"`
	Title         string            `json:"title"`
	Message       string            `json:"message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        EntryStatus       `json:"status"`
	StepID        string            `json:"step_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Validate rejects malformed entries before they are persisted.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("activity entry: run id is empty")
	}
	if strings.TrimSpace(e.ItemID) == "" {
		return fmt.Errorf("activity entry: item id is empty")
	}
	switch e.Type {
	case TypeNode, TypeToolCall, TypeFieldsSet, TypeTransition, TypeControl:
	default:
		return fmt.Errorf("activity entry: unknown type %q", e.Type)
	}
	switch e.Status {
	case EntryStatusInProgress, EntryStatusSuccess, EntryStatusFailure, EntryStatusSkipped:
	default:
		return fmt.Errorf("activity entry: unknown status %q", e.Status)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("activity entry: title is empty")
	}
	return nil
}
