package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"magpie/internal/calibration"
	"magpie/internal/config"
	"magpie/internal/fieldstate"
	"magpie/internal/logging"
	"magpie/internal/notifications"
	"magpie/internal/pipeline"
	"magpie/internal/research"
	"magpie/internal/services"
)

// Manager runs the worker pool: each worker leases the oldest ready run,
// executes it, and reports the outcome. A reclaim loop returns runs whose
// lease lapsed, and a detector loop scans for tool accuracy anomalies.
type Manager struct {
	cfg      *config.Config
	store    *research.Store
	executor *pipeline.Executor
	calStore *calibration.Store
	detector *calibration.Detector
	notifier notifications.Service
	hub      transitionPublisher
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

type transitionPublisher interface {
	PublishTransition(runID, itemID, oldStatus, newStatus string)
}

// NewManager wires the worker pool. detector may be nil to disable anomaly
// scanning; calStore may be nil to disable outcome auto-ingestion.
func NewManager(cfg *config.Config, store *research.Store, executor *pipeline.Executor, calStore *calibration.Store, detector *calibration.Detector, notifier notifications.Service, hub transitionPublisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		executor: executor,
		calStore: calStore,
		detector: detector,
		notifier: notifier,
		hub:      hub,
		logger:   logger,
	}
}

// Start launches the workers and maintenance loops. It returns immediately;
// the loops run until Stop or the parent context is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return services.Wrap(services.ErrInvalidState, "", "manager", "already started", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	workers := m.cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "magpie"
	}
	for i := 0; i < workers; i++ {
		holder := fmt.Sprintf("%s-%d-w%d-%s", hostname, os.Getpid(), i, uuid.New().String()[:8])
		group.Go(func() error {
			m.workerLoop(groupCtx, holder)
			return nil
		})
	}
	group.Go(func() error {
		m.reclaimLoop(groupCtx)
		return nil
	})
	if m.detector != nil {
		group.Go(func() error {
			m.detectorLoop(groupCtx)
			return nil
		})
	}

	m.cancel = cancel
	m.group = group
	m.started = true
	m.logger.Info("workflow manager started", logging.Int("workers", workers))
	return nil
}

// Stop cancels the loops and waits for in-flight work to checkpoint and
// release.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	group := m.group
	m.cancel = nil
	m.group = nil
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	m.logger.Info("workflow manager stopped")
}

func (m *Manager) pollInterval() time.Duration {
	seconds := m.cfg.Workflow.PollIntervalSeconds
	if seconds < 1 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) errorRetry() time.Duration {
	seconds := m.cfg.Workflow.ErrorRetrySeconds
	if seconds < 1 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) leaseTTL() time.Duration {
	seconds := m.cfg.Workflow.LeaseTTLSeconds
	if seconds < 1 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) workerLoop(ctx context.Context, holder string) {
	logger := m.logger.With(logging.String("worker", holder))
	logger.Debug("worker started")
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := m.processNext(ctx, holder, logger)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker iteration failed", logging.Error(err))
			if !sleepCtx(ctx, m.errorRetry()) {
				return
			}
			continue
		}
		if !processed {
			if !sleepCtx(ctx, m.pollInterval()) {
				return
			}
		}
	}
}

// processNext leases and executes at most one run. The bool reports whether
// a run was picked up; false means the queue was empty.
func (m *Manager) processNext(ctx context.Context, holder string, logger *slog.Logger) (bool, error) {
	candidate, err := m.store.NextReady(ctx)
	if err != nil {
		return false, err
	}
	if candidate == nil {
		return false, nil
	}

	run, err := m.store.AcquireLease(ctx, candidate.ID, holder, m.leaseTTL())
	if err != nil {
		if errors.Is(err, services.ErrConcurrencyConflict) || errors.Is(err, services.ErrInvalidState) {
			// Another worker got there first.
			return false, nil
		}
		return false, err
	}
	m.hub.PublishTransition(run.ID, run.ItemID, string(research.StatusPending), string(research.StatusRunning))
	logger.Info("run leased",
		logging.String(logging.FieldRunID, run.ID),
		logging.String(logging.FieldItemID, run.ItemID),
		logging.String(logging.FieldNode, run.CurrentNode),
	)

	finalStatus, execErr := m.executor.Execute(ctx, run)
	m.report(ctx, run.ID, finalStatus, execErr, logger)
	return true, nil
}

// report sends notifications for the final state and, on success, feeds
// tool-sourced field outcomes into the calibration store.
func (m *Manager) report(ctx context.Context, runID string, status research.Status, execErr error, logger *slog.Logger) {
	// Notifications and ingestion read the finalized record; a stale copy
	// from before MarkSuccess would miss the score and summary.
	run, err := m.store.GetByID(ctx, runID)
	if err != nil {
		logger.Error("load finished run", logging.Error(err))
		return
	}

	switch status {
	case research.StatusSuccess:
		if err := m.notifier.NotifyRunCompleted(ctx, run.ItemID, run.CompletionScore); err != nil {
			logger.Warn("completion notification failed", logging.Error(err))
		}
		if run.CompletionScore < run.Constraints.CompletionThreshold {
			reason := fmt.Sprintf("completion score %.2f below threshold %.2f", run.CompletionScore, run.Constraints.CompletionThreshold)
			if err := m.notifier.NotifyReviewNeeded(ctx, run.ItemID, reason); err != nil {
				logger.Warn("review notification failed", logging.Error(err))
			}
		}
		if m.cfg.Workflow.IngestOutcomesOnComplete && m.calStore != nil {
			m.ingestOutcomes(ctx, run, logger)
		}
	case research.StatusError:
		reason := run.ErrorMessage
		if reason == "" && execErr != nil {
			reason = execErr.Error()
		}
		if err := m.notifier.NotifyRunFailed(ctx, run.ItemID, reason); err != nil {
			logger.Warn("failure notification failed", logging.Error(err))
		}
		if run.NeedsReview {
			if err := m.notifier.NotifyReviewNeeded(ctx, run.ItemID, run.ReviewReason); err != nil {
				logger.Warn("review notification failed", logging.Error(err))
			}
		}
	case research.StatusPaused, research.StatusCancelled:
		// Operator-driven states need no push.
	default:
		if execErr != nil {
			logger.Error("run aborted without finalizing", logging.Error(execErr))
		}
	}
}

// ingestOutcomes records a provisional outcome per tool-sourced field of a
// successful run. Fields the run confirmed count as correct; fields still
// below the confidence bar count as incorrect. Explicit recordOutcome calls
// remain the authoritative path once a sale verifies the values.
func (m *Manager) ingestOutcomes(ctx context.Context, run *research.Run, logger *slog.Logger) {
	for name, state := range run.FieldStates {
		if state.Source == fieldstate.SourceUserProvided || state.Source == fieldstate.SourceDefault {
			continue
		}
		tool, family := m.executor.ToolForNode(state.UpdatedByNode)
		if tool == "" || family == "" {
			continue
		}
		_, err := m.calStore.RecordOutcome(ctx, calibration.Outcome{
			RunID:               run.ID,
			ItemID:              run.ItemID,
			Tool:                tool,
			Family:              family,
			FieldName:           name,
			PredictedConfidence: state.Confidence,
			Correct:             state.Status == fieldstate.StatusConfirmed,
		})
		if err != nil {
			logger.Warn("outcome ingestion failed",
				logging.String(logging.FieldRunID, run.ID),
				logging.String("field", name),
				logging.Error(err),
			)
		}
	}
}

func (m *Manager) reclaimLoop(ctx context.Context) {
	seconds := m.cfg.Workflow.ReclaimIntervalSeconds
	if seconds < 1 {
		seconds = 30
	}
	interval := time.Duration(seconds) * time.Second
	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		reclaimed, err := m.store.ReclaimExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("lease reclaim failed", logging.Error(err))
			}
			continue
		}
		if reclaimed > 0 {
			m.logger.Warn("reclaimed expired leases", logging.Int64("count", reclaimed))
		}
	}
}

func (m *Manager) detectorLoop(ctx context.Context) {
	const interval = time.Hour
	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		anomalies, err := m.detector.Scan(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("anomaly scan failed", logging.Error(err))
			}
			continue
		}
		for _, anomaly := range anomalies {
			if err := m.notifier.NotifyAnomaly(ctx, anomaly.Family, string(anomaly.Severity), anomaly.Message); err != nil {
				m.logger.Warn("anomaly notification failed", logging.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
