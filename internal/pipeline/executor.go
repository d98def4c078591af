package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"magpie/internal/activity"
	"magpie/internal/fieldstate"
	"magpie/internal/logging"
	"magpie/internal/research"
	"magpie/internal/services"
	"magpie/internal/tools"
)

const (
	defaultNodeTimeout = 2 * time.Minute
	defaultRetryDelay  = 2 * time.Second
)

// Executor drives a leased run through the graph one node at a time. Every
// node attempt ends in exactly one checkpoint; control requests are observed
// from a fresh database read before each node starts.
type Executor struct {
	store      *research.Store
	registry   *tools.Registry
	graph      *Graph
	hub        *activity.Hub
	logger     *slog.Logger
	weights    fieldstate.Weights
	leaseTTL   time.Duration
	retryDelay time.Duration
	clock      func() time.Time
}

// ExecutorOptions configures an Executor. Zero values fall back to
// defaults; Weights supplies the field weighting that constraints do not
// pin.
type ExecutorOptions struct {
	Weights    fieldstate.Weights
	LeaseTTL   time.Duration
	RetryDelay time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewExecutor wires an executor over the run store, tool registry, and
// activity hub.
func NewExecutor(store *research.Store, registry *tools.Registry, graph *Graph, hub *activity.Hub, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		store:      store,
		registry:   registry,
		graph:      graph,
		hub:        hub,
		logger:     logger,
		weights:    opts.Weights,
		leaseTTL:   leaseTTL,
		retryDelay: retryDelay,
		clock:      clock,
	}
}

// Execute runs the pipeline for a run whose lease the caller already holds.
// It returns the final status the run reached and, for failed runs, the
// error that stopped it. Infrastructure failures (a checkpoint that could
// not commit) return an error without finalizing; the lease lapses and the
// reclaimer requeues the run.
func (e *Executor) Execute(ctx context.Context, run *research.Run) (research.Status, error) {
	if run == nil || run.LeaseHolder == "" {
		return research.StatusError, services.Wrap(services.ErrInvalidState, "", "execute", "run has no lease holder", nil)
	}
	holder := run.LeaseHolder
	logger := e.logger.With(
		logging.String(logging.FieldRunID, run.ID),
		logging.String(logging.FieldItemID, run.ItemID),
	)

	// Per-node attempt counts for this execution session. An explicit
	// resume grants a node a fresh set of attempts; the overall retry
	// budget is the hard bound across sessions.
	sessionAttempts := make(map[string]int)

	for {
		fresh, err := e.store.GetByID(ctx, run.ID)
		if err != nil {
			return research.StatusRunning, err
		}
		run = fresh

		switch run.Status {
		case research.StatusCancelled:
			logger.Info("run stopped, halting at node boundary")
			_ = e.store.ReleaseLease(ctx, run.ID, holder)
			return research.StatusCancelled, nil
		case research.StatusRunning:
		default:
			// Someone else finalized the run; nothing left to do.
			_ = e.store.ReleaseLease(ctx, run.ID, holder)
			return run.Status, nil
		}

		if run.PauseRequested {
			if err := e.store.MarkPaused(ctx, run.ID, holder); err != nil {
				return research.StatusRunning, err
			}
			e.hub.PublishTransition(run.ID, run.ItemID, string(research.StatusRunning), string(research.StatusPaused))
			logger.Info("run paused at node boundary", logging.String(logging.FieldNode, run.CurrentNode))
			return research.StatusPaused, nil
		}

		nodeName, attempt, done, err := e.nextStep(run)
		if err != nil {
			return e.fail(ctx, run, holder, err)
		}
		if done {
			return e.finalize(ctx, run, holder)
		}

		if run.BudgetExhausted() {
			budgetErr := services.Wrap(services.ErrRetryBudgetExceeded, nodeName, "execute",
				fmt.Sprintf("retry budget of %d steps exhausted", run.Constraints.RetryBudget), nil)
			return e.fail(ctx, run, holder, budgetErr)
		}

		logger.Info("executing node",
			logging.String(logging.FieldNode, nodeName),
			logging.Int("attempt", attempt),
			logging.Int("step_count", run.StepCount),
		)

		nodeErr := e.runNode(ctx, run, nodeName, attempt)
		if nodeErr != nil {
			if errors.Is(nodeErr, services.ErrPersistence) || errors.Is(nodeErr, services.ErrConcurrencyConflict) {
				// Checkpoint did not commit; abort without finalizing.
				return research.StatusRunning, nodeErr
			}
			sessionAttempts[nodeName]++
			node, _ := e.graph.Node(nodeName)
			limit := e.nodeAttemptLimit(node, run.Constraints)
			if !services.Retryable(nodeErr) || sessionAttempts[nodeName] >= limit {
				return e.fail(ctx, run, holder, nodeErr)
			}
			logger.Warn("node attempt failed, retrying",
				logging.String(logging.FieldNode, nodeName),
				logging.Int("attempt", attempt),
				logging.Error(nodeErr),
			)
			select {
			case <-ctx.Done():
				return research.StatusRunning, ctx.Err()
			case <-time.After(e.retryDelay):
			}
			continue
		}
		sessionAttempts[nodeName] = 0
	}
}

// ToolForNode reports the tool a node invokes and that tool's family.
// Unknown nodes return empty strings.
func (e *Executor) ToolForNode(name string) (tool, family string) {
	node, ok := e.graph.Node(name)
	if !ok {
		return "", ""
	}
	return node.Tool, string(e.registry.FamilyFor(node.Tool))
}

// nextStep determines which node runs next from the step history alone:
// a trailing failure retries the same node, a trailing success continues at
// the graph successor, an empty history starts at the entry node. done is
// true when the last node completed and has no successor.
func (e *Executor) nextStep(run *research.Run) (node string, attempt int, done bool, err error) {
	last, ok := run.LastStep()
	if !ok {
		return e.graph.Entry(), 1, false, nil
	}
	if last.Outcome == research.StepFailure {
		return last.Node, run.AttemptsForNode(last.Node) + 1, false, nil
	}
	succ, err := e.graph.Successor(last.Node, e.selection(run, last.Node))
	if err != nil {
		return "", 0, false, err
	}
	if succ == "" {
		return "", 0, true, nil
	}
	return succ, run.AttemptsForNode(succ) + 1, false, nil
}

// selection builds the branch inputs for a completed node. Loops is the
// number of times the branch node has already completed before this
// decision, which makes loop accounting stable across resume.
func (e *Executor) selection(run *research.Run, branchNode string) Selection {
	loops := 0
	for _, rec := range run.StepHistory {
		if rec.Node == branchNode && rec.Outcome == research.StepSuccess {
			loops++
		}
	}
	if loops > 0 {
		loops--
	}
	return Selection{
		Fields:         run.FieldStates,
		RequiredFields: run.Constraints.RequiredFields,
		Loops:          loops,
		LoopLimit:      run.Constraints.ResearchLoopLimit,
	}
}

func (e *Executor) nodeAttemptLimit(node Node, c research.Constraints) int {
	if node.MaxAttempts > 0 {
		return node.MaxAttempts
	}
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 1
}

func (e *Executor) nodeTimeout(node Node, c research.Constraints) time.Duration {
	if node.Timeout > 0 {
		return node.Timeout
	}
	if c.NodeTimeoutSeconds > 0 {
		return time.Duration(c.NodeTimeoutSeconds) * time.Second
	}
	return defaultNodeTimeout
}

// runNode executes one node attempt and writes its checkpoint. The returned
// error is nil for a successful attempt; a failed attempt still checkpoints
// its failure record before the error is returned.
func (e *Executor) runNode(ctx context.Context, run *research.Run, nodeName string, attempt int) error {
	node, ok := e.graph.Node(nodeName)
	if !ok {
		return services.Wrap(services.ErrValidation, nodeName, "execute", "node is not in the graph", nil)
	}

	tracker := fieldstate.NewTracker(run.FieldStates)
	tracker.SetAdjustments(run.Constraints.ConfidenceWeights)

	opID := uuid.New().String()
	stepID := fmt.Sprintf("%s#%d", nodeName, attempt)
	started := e.clock()

	callCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout(node, run.Constraints))
	result, invokeErr := e.registry.Invoke(callCtx, tools.Call{
		Tool:   node.Tool,
		RunID:  run.ID,
		ItemID: run.ItemID,
		Fields: tracker.Snapshot(),
	})
	cancel()
	completed := e.clock()

	if invokeErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		invokeErr = services.Wrap(services.ErrTimeout, nodeName, node.Tool,
			fmt.Sprintf("tool exceeded %s timeout", e.nodeTimeout(node, run.Constraints)), invokeErr)
	}

	var (
		applied  []string
		rejected []string
		costUsd  float64
	)
	if invokeErr == nil && result != nil {
		costUsd = result.CostUsd
		family := string(e.registry.FamilyFor(node.Tool))
		for _, proposal := range result.Proposals {
			_, ok := tracker.Apply(fieldstate.Update{
				Name:          proposal.Name,
				Value:         proposal.Value,
				Confidence:    proposal.Confidence,
				Source:        proposal.Source,
				ToolFamily:    family,
				UpdatedByNode: nodeName,
			}, completed)
			if ok {
				applied = append(applied, strings.ToLower(proposal.Name))
			} else {
				rejected = append(rejected, strings.ToLower(proposal.Name))
			}
		}
		sort.Strings(applied)
		sort.Strings(rejected)
	}

	step := research.StepRecord{
		Node:        nodeName,
		Attempt:     attempt,
		StartedAt:   started,
		CompletedAt: completed,
		Outcome:     research.StepSuccess,
	}
	advanceTo := nodeName
	fieldSnapshot := tracker.Snapshot()
	if invokeErr != nil {
		step.Outcome = research.StepFailure
		step.ErrorSummary = invokeErr.Error()
		advanceTo = ""
		fieldSnapshot = run.FieldStates
	}

	entries := e.buildEntries(run, node, step, opID, stepID, result, invokeErr, applied, rejected)

	persisted, err := e.store.Checkpoint(ctx, research.CheckpointWrite{
		RunID:       run.ID,
		Holder:      run.LeaseHolder,
		LeaseTTL:    e.leaseTTL,
		Step:        step,
		AdvanceTo:   advanceTo,
		FieldStates: fieldSnapshot,
		CostDelta:   costUsd,
		Entries:     entries,
	})
	if err != nil {
		return err
	}
	for _, entry := range persisted {
		e.hub.PublishEntry(entry)
	}
	return invokeErr
}

// buildEntries assembles the activity records for one attempt: a node
// entry, a tool_call child, and a fields_set child when any field changed.
func (e *Executor) buildEntries(run *research.Run, node Node, step research.StepRecord, opID, stepID string, result *tools.Result, invokeErr error, applied, rejected []string) []activity.Entry {
	status := activity.EntryStatusSuccess
	eventType := "node_completed"
	message := ""
	if result != nil {
		message = result.Summary
	}
	if invokeErr != nil {
		status = activity.EntryStatusFailure
		eventType = "node_failed"
		message = invokeErr.Error()
	}

	entries := []activity.Entry{{
		RunID:         run.ID,
		ItemID:        run.ItemID,
		Type:          activity.TypeNode,
		EventType:     eventType,
		OperationID:   opID,
		OperationType: node.Name,
		Title:         NodeLabel(node.Name),
		Message:       message,
		Metadata: map[string]string{
			"attempt": fmt.Sprintf("%d", step.Attempt),
		},
		Status:    status,
		StepID:    stepID,
		Timestamp: step.CompletedAt,
	}}

	toolMeta := map[string]string{"tool": node.Tool}
	if result != nil {
		if result.CostUsd > 0 {
			toolMeta["cost_usd"] = fmt.Sprintf("%.4f", result.CostUsd)
		}
		for k, v := range result.Metadata {
			toolMeta[k] = v
		}
	}
	entries = append(entries, activity.Entry{
		RunID:         run.ID,
		ItemID:        run.ItemID,
		Type:          activity.TypeToolCall,
		EventType:     "tool_call",
		OperationID:   opID,
		OperationType: node.Name,
		Title:         node.Tool,
		Message:       message,
		Metadata:      toolMeta,
		Status:        status,
		StepID:        stepID,
		Timestamp:     step.CompletedAt,
	})

	if len(applied) > 0 || len(rejected) > 0 {
		meta := map[string]string{}
		if len(applied) > 0 {
			meta["applied"] = strings.Join(applied, ",")
		}
		if len(rejected) > 0 {
			meta["rejected"] = strings.Join(rejected, ",")
		}
		entries = append(entries, activity.Entry{
			RunID:         run.ID,
			ItemID:        run.ItemID,
			Type:          activity.TypeFieldsSet,
			EventType:     "fields_set",
			OperationID:   opID,
			OperationType: node.Name,
			Title:         fmt.Sprintf("%d field(s) updated", len(applied)),
			Metadata:      meta,
			Status:        activity.EntryStatusSuccess,
			StepID:        stepID,
			Timestamp:     step.CompletedAt,
		})
	}
	return entries
}

// fail finalizes the run as errored. Runs that failed on a validation error
// or exhausted their retry budget are flagged for review.
func (e *Executor) fail(ctx context.Context, run *research.Run, holder string, cause error) (research.Status, error) {
	needsReview := services.NeedsReview(cause)
	reason := ""
	if needsReview {
		switch {
		case errors.Is(cause, services.ErrRetryBudgetExceeded):
			reason = "retry budget exhausted"
		case errors.Is(cause, services.ErrValidation):
			reason = "validation failure"
		default:
			reason = "run failed"
		}
	}
	if err := e.store.MarkError(ctx, run.ID, holder, cause.Error(), needsReview, reason); err != nil {
		return research.StatusRunning, err
	}
	e.hub.PublishTransition(run.ID, run.ItemID, string(research.StatusRunning), string(research.StatusError))
	e.logger.Error("run failed",
		logging.String(logging.FieldRunID, run.ID),
		logging.String(logging.FieldItemID, run.ItemID),
		logging.Error(cause),
	)
	return research.StatusError, cause
}

// finalize marks a run successful once the terminal node has completed. The
// completion score is computed from the final field states under the same
// required-field set and threshold pinned at run start.
func (e *Executor) finalize(ctx context.Context, run *research.Run, holder string) (research.Status, error) {
	weights := e.weights
	if len(run.Constraints.RequiredFields) > 0 {
		weights.RequiredFields = run.Constraints.RequiredFields
	}
	if run.Constraints.CompletionThreshold > 0 {
		weights.CompletionThreshold = run.Constraints.CompletionThreshold
	}

	tracker := fieldstate.NewTracker(run.FieldStates)
	score := tracker.CompletionScore(weights)
	unresolved := unresolvedFields(run.FieldStates, weights.RequiredFields)

	summary := fmt.Sprintf("research complete: %d/%d required fields confirmed, completion score %.2f",
		len(weights.RequiredFields)-len(unresolved), len(weights.RequiredFields), score)
	if len(unresolved) > 0 {
		summary += fmt.Sprintf(" (unresolved: %s)", strings.Join(unresolved, ", "))
	}

	if err := e.store.MarkSuccess(ctx, run.ID, holder, summary, score); err != nil {
		return research.StatusRunning, err
	}
	e.hub.PublishTransition(run.ID, run.ItemID, string(research.StatusRunning), string(research.StatusSuccess))
	e.logger.Info("run succeeded",
		logging.String(logging.FieldRunID, run.ID),
		logging.String(logging.FieldItemID, run.ItemID),
		logging.Float64("completion_score", score),
	)
	return research.StatusSuccess, nil
}
