package controller

import (
	"context"
	"log/slog"
	"time"

	"magpie/internal/activity"
	"magpie/internal/calibration"
	"magpie/internal/config"
	"magpie/internal/fieldstate"
	"magpie/internal/logging"
	"magpie/internal/pipeline"
	"magpie/internal/research"
	"magpie/internal/services"
)

// Controller exposes the run lifecycle operations. All state lives in the
// store; the controller validates transitions and pins constraint
// snapshots at creation time.
type Controller struct {
	cfg        *config.Config
	store      *research.Store
	graph      *pipeline.Graph
	calibrator *calibration.Calibrator
	hub        *activity.Hub
	logger     *slog.Logger
	clock      func() time.Time
}

// New builds a controller. calibrator may be nil when calibration is not
// wired; runs then start without confidence adjustments.
func New(cfg *config.Config, store *research.Store, graph *pipeline.Graph, calibrator *calibration.Calibrator, hub *activity.Hub, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		cfg:        cfg,
		store:      store,
		graph:      graph,
		calibrator: calibrator,
		hub:        hub,
		logger:     logger,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest describes a run to start.
type StartRequest struct {
	ItemID  string
	RunType research.RunType
	Mode    research.Mode
	// Seeds carries caller-provided field values, typically user_provided
	// entries that no tool may overwrite.
	Seeds map[string]fieldstate.State
}

// Start creates a pending run for an item. The constraints snapshot pins
// the pipeline version, retry policy, and the active calibration versions
// so nothing that changes later can affect this run. An item with a
// pending, running, or paused run cannot start another.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*research.Run, error) {
	mode := req.Mode
	if mode == "" {
		mode = research.ModeBalanced
	}

	constraints, err := c.buildConstraints(ctx, mode)
	if err != nil {
		return nil, err
	}

	run, err := c.store.CreateRun(ctx, research.NewRunParams{
		ItemID:      req.ItemID,
		RunType:     req.RunType,
		Mode:        mode,
		Constraints: constraints,
		Seeds:       req.Seeds,
	})
	if err != nil {
		return nil, err
	}

	c.hub.PublishTransition(run.ID, run.ItemID, "", string(research.StatusPending))
	c.logger.Info("run created",
		logging.String(logging.FieldRunID, run.ID),
		logging.String(logging.FieldItemID, run.ItemID),
		logging.String("run_type", string(run.RunType)),
		logging.String("mode", string(mode)),
	)
	return run, nil
}

// buildConstraints snapshots the effective policy for a new run. Mode
// tightens or widens the defaults: fast skips re-search loops and halves
// node timeouts, thorough allows one extra loop and doubles them.
func (c *Controller) buildConstraints(ctx context.Context, mode research.Mode) (research.Constraints, error) {
	maxAttempts := c.cfg.Pipeline.MaxAttempts
	timeoutSeconds := c.cfg.Pipeline.NodeTimeoutSeconds
	loopLimit := c.cfg.Pipeline.ResearchLoopLimit

	switch mode {
	case research.ModeFast:
		loopLimit = 0
		timeoutSeconds /= 2
		if timeoutSeconds < 1 {
			timeoutSeconds = 1
		}
	case research.ModeThorough:
		loopLimit++
		timeoutSeconds *= 2
	}

	constraints := research.Constraints{
		PipelineVersion:     c.graph.Version(),
		Mode:                mode,
		MaxAttempts:         maxAttempts,
		NodeCount:           c.graph.NodeCount(),
		RetryBudget:         maxAttempts * c.graph.NodeCount(),
		NodeTimeoutSeconds:  timeoutSeconds,
		ResearchLoopLimit:   loopLimit,
		RequiredFields:      c.cfg.Publish.RequiredFields,
		CompletionThreshold: c.cfg.Publish.CompletionThreshold,
	}

	if c.calibrator != nil {
		versions, multipliers, err := c.calibrator.ActiveAdjustments(ctx)
		if err != nil {
			return research.Constraints{}, services.Wrap(services.ErrPersistence, "", "start run", "load active calibrations", err)
		}
		constraints.CalibrationVersions = versions
		constraints.ConfidenceWeights = multipliers
	}
	return constraints, nil
}

// RequestPause flags a running run to pause at its next node boundary.
// Repeated requests are no-ops; pausing a run that is not running is an
// invalid-state error.
func (c *Controller) RequestPause(ctx context.Context, runID string) error {
	if err := c.store.RequestPause(ctx, runID); err != nil {
		return err
	}
	c.publishControl(ctx, runID, "pause_requested", "pause requested, run will pause at the next node boundary")
	return nil
}

// Resume requeues a paused or errored run. The store rejects runs whose
// retry budget is spent and runs in any other state; the worker pool picks
// the run up from pending and continues at the node the step history
// dictates.
func (c *Controller) Resume(ctx context.Context, runID string) error {
	run, err := c.store.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	oldStatus := run.Status
	if err := c.store.Requeue(ctx, runID); err != nil {
		return err
	}
	c.hub.PublishTransition(runID, run.ItemID, string(oldStatus), string(research.StatusPending))
	c.logger.Info("run resumed",
		logging.String(logging.FieldRunID, runID),
		logging.String(logging.FieldItemID, run.ItemID),
		logging.String(logging.FieldNode, run.CurrentNode),
	)
	return nil
}

// Stop cancels a run in any non-terminal state. A node already executing
// finishes and checkpoints its work; the executor halts at the boundary.
// Stop is terminal: a stopped run can never be resumed.
func (c *Controller) Stop(ctx context.Context, runID string) error {
	run, err := c.store.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	oldStatus := run.Status
	if err := c.store.Stop(ctx, runID); err != nil {
		return err
	}
	c.hub.PublishTransition(runID, run.ItemID, string(oldStatus), string(research.StatusCancelled))
	c.publishControl(ctx, runID, "stop_requested", "run stopped")
	return nil
}

// Status returns the current run record: status, current node, step
// history, field states, and the pinned constraints.
func (c *Controller) Status(ctx context.Context, runID string) (*research.Run, error) {
	return c.store.GetByID(ctx, runID)
}

// publishControl streams a control event to live subscribers. Control
// events are not persisted; the durable record of what a run did is its
// checkpoint history.
func (c *Controller) publishControl(ctx context.Context, runID, eventType, message string) {
	run, err := c.store.GetByID(ctx, runID)
	if err != nil {
		return
	}
	c.hub.PublishEntry(activity.Entry{
		RunID:     runID,
		ItemID:    run.ItemID,
		Type:      activity.TypeControl,
		EventType: eventType,
		Title:     pipeline.NodeLabel(eventType),
		Message:   message,
		Status:    activity.EntryStatusSuccess,
		Timestamp: c.clock(),
	})
}
