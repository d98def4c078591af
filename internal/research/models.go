package research

import (
	"fmt"
	"strings"
	"time"

	"magpie/internal/fieldstate"
)

// Status represents the lifecycle of a research run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusSuccess   Status = "success"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusError,
	StatusCancelled,
	StatusSuccess,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCancelled: {},
	StatusSuccess:   {},
}

// activeStatuses are the states that block a new run for the same item.
var activeStatuses = []Status{StatusPending, StatusRunning, StatusPaused}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// Resumable reports whether a run in this status may be resumed.
func (s Status) Resumable() bool {
	return s == StatusPaused || s == StatusError
}

// RunType distinguishes why a run was started.
type RunType string

const (
	RunTypeInitial    RunType = "initial"
	RunTypeReResearch RunType = "re_research"
	RunTypeTargeted   RunType = "targeted"
)

// Mode selects the research depth trade-off.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeThorough Mode = "thorough"
)

// ParseMode converts a string into a known Mode, defaulting to balanced.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeFast:
		return ModeFast, true
	case ModeBalanced, "":
		return ModeBalanced, true
	case ModeThorough:
		return ModeThorough, true
	default:
		return ModeBalanced, false
	}
}

// StepOutcome records how one node attempt ended.
type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
)

// StepRecord is one append-only entry of a run's step history. Past entries
// never mutate.
type StepRecord struct {
	Node         string      `json:"node"`
	Attempt      int         `json:"attempt"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
	Outcome      StepOutcome `json:"outcome"`
	ErrorSummary string      `json:"error_summary,omitempty"`
}

// Validate rejects malformed step records before they reach a checkpoint.
func (r StepRecord) Validate() error {
	if strings.TrimSpace(r.Node) == "" {
		return fmt.Errorf("step record: node is empty")
	}
	if r.Attempt < 1 {
		return fmt.Errorf("step record %q: attempt %d is not positive", r.Node, r.Attempt)
	}
	switch r.Outcome {
	case StepSuccess, StepFailure:
	default:
		return fmt.Errorf("step record %q: unknown outcome %q", r.Node, r.Outcome)
	}
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return fmt.Errorf("step record %q: missing timestamps", r.Node)
	}
	return nil
}

// Constraints is the immutable snapshot taken at run start. It pins the
// calibration version and retry policy so later configuration or
// calibration changes never alter an in-flight run.
type Constraints struct {
	PipelineVersion     string             `json:"pipeline_version"`
	Mode                Mode               `json:"mode"`
	MaxAttempts         int                `json:"max_attempts"`
	NodeCount           int                `json:"node_count"`
	RetryBudget         int                `json:"retry_budget"`
	NodeTimeoutSeconds  int                `json:"node_timeout_seconds"`
	ResearchLoopLimit   int                `json:"research_loop_limit"`
	CalibrationVersions map[string]int64   `json:"calibration_versions,omitempty"`
	ConfidenceWeights   map[string]float64 `json:"confidence_weights,omitempty"`
	RequiredFields      []string           `json:"required_fields,omitempty"`
	CompletionThreshold float64            `json:"completion_threshold"`
}

// Validate rejects constraint snapshots that would make retry accounting
// undefined.
func (c Constraints) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("constraints: max_attempts %d is not positive", c.MaxAttempts)
	}
	if c.NodeCount < 1 {
		return fmt.Errorf("constraints: node_count %d is not positive", c.NodeCount)
	}
	if c.RetryBudget != c.MaxAttempts*c.NodeCount {
		return fmt.Errorf("constraints: retry_budget %d does not equal max_attempts*node_count", c.RetryBudget)
	}
	return nil
}

// Run is one research attempt for an item.
type Run struct {
	ID              string
	ItemID          string
	RunType         RunType
	Status          Status
	PipelineVersion string
	CurrentNode     string
	StepCount       int
	StepHistory     []StepRecord
	PauseRequested  bool
	PausedAt        *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ErrorMessage    string
	Summary         string
	FieldStates     map[string]fieldstate.State
	CostUsd         float64
	CompletionScore float64
	Mode            Mode
	Constraints     Constraints
	LeaseHolder     string
	LeaseExpiresAt  *time.Time
	NeedsReview     bool
	ReviewReason    string
}

// LastStep returns the most recent step history entry, if any.
func (r *Run) LastStep() (StepRecord, bool) {
	if len(r.StepHistory) == 0 {
		return StepRecord{}, false
	}
	return r.StepHistory[len(r.StepHistory)-1], true
}

// AttemptsForNode counts consecutive trailing failures recorded for node.
// A success or a different node resets the count; this is the node-level
// attempt number the executor resumes from.
func (r *Run) AttemptsForNode(node string) int {
	attempts := 0
	for i := len(r.StepHistory) - 1; i >= 0; i-- {
		rec := r.StepHistory[i]
		if rec.Node != node || rec.Outcome != StepFailure {
			break
		}
		attempts++
	}
	return attempts
}

// BudgetExhausted reports whether the run has spent its overall retry
// budget of max_attempts multiplied by node count.
func (r *Run) BudgetExhausted() bool {
	return r.StepCount >= r.Constraints.RetryBudget
}

// LeaseActive reports whether a lease is currently held at the given time.
func (r *Run) LeaseActive(now time.Time) bool {
	return r.LeaseHolder != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// CountsByStatus summarizes run totals for health output.
type CountsByStatus map[Status]int

// HealthSummary describes aggregated run counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Paused    int
	Errored   int
	Cancelled int
	Succeeded int
}
