package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"magpie/internal/activity"
	"magpie/internal/fieldstate"
	"magpie/internal/pipeline"
	"magpie/internal/research"
	"magpie/internal/services"
	"magpie/internal/testsupport"
	"magpie/internal/tools"
)

func newExecutor(t *testing.T, store *research.Store, registry *tools.Registry, graph *pipeline.Graph, hub *activity.Hub) *pipeline.Executor {
	t.Helper()

	return pipeline.NewExecutor(store, registry, graph, hub, pipeline.ExecutorOptions{
		Weights: fieldstate.Weights{
			RequiredFields:      []string{"title", "category", "condition", "price"},
			CompletionThreshold: 0.7,
		},
		LeaseTTL:   time.Minute,
		RetryDelay: time.Millisecond,
	})
}

func countSteps(run *research.Run, node string) int {
	count := 0
	for _, rec := range run.StepHistory {
		if rec.Node == node {
			count++
		}
	}
	return count
}

func defaultGraph(t *testing.T) *pipeline.Graph {
	t.Helper()

	graph, err := pipeline.DefaultGraph()
	if err != nil {
		t.Fatalf("DefaultGraph: %v", err)
	}
	return graph
}

func TestExecuteCompletesCleanRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(128)
	exec := newExecutor(t, store, testsupport.PassingRegistry(t), defaultGraph(t), hub)

	run := testsupport.LeasedRun(t, store, "item-clean", "worker-1")
	status, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != research.StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.StepCount != 8 {
		t.Fatalf("expected 8 steps, got %d", final.StepCount)
	}
	for _, rec := range final.StepHistory {
		if rec.Outcome != research.StepSuccess {
			t.Fatalf("node %s unexpectedly failed: %s", rec.Node, rec.ErrorSummary)
		}
	}
	for _, name := range final.Constraints.RequiredFields {
		state, ok := final.FieldStates[name]
		if !ok || state.Status != fieldstate.StatusConfirmed {
			t.Fatalf("required field %s not confirmed: %+v", name, state)
		}
	}
	if final.CompletionScore < 0.8 {
		t.Fatalf("expected high completion score, got %.2f", final.CompletionScore)
	}
	if final.Summary == "" {
		t.Fatal("expected a run summary")
	}
	if final.LeaseHolder != "" {
		t.Fatalf("lease not released: %s", final.LeaseHolder)
	}
}

func TestExecutePausesAtNodeBoundaryAndResumes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(128)
	registry := testsupport.PassingRegistry(t)
	exec := newExecutor(t, store, registry, defaultGraph(t), hub)

	run := testsupport.LeasedRun(t, store, "item-pause", "worker-1")

	// A pause requested mid-run takes effect at the next node boundary.
	pausing := tools.NewRegistry()
	testsupport.RegisterStub(t, pausing, pipeline.ToolContextLoader, tools.FamilyLookup, testsupport.NewStubInvoker())
	testsupport.RegisterStub(t, pausing, pipeline.ToolMediaAnalyzer, tools.FamilyVision, testsupport.NewStubInvoker(
		testsupport.StubResponse{Result: &tools.Result{Proposals: []tools.FieldProposal{
			testsupport.Proposal("condition", "good", 0.9),
		}}},
	))
	pauser := &pauseOnInvoke{store: store, runID: run.ID, inner: testsupport.NewStubInvoker(
		testsupport.StubResponse{Result: &tools.Result{Proposals: []tools.FieldProposal{
			testsupport.Proposal("title", "Vintage Walkman", 0.92),
			testsupport.Proposal("category", "electronics", 0.88),
		}}},
	)}
	if err := pausing.Register(tools.Registration{Name: pipeline.ToolProductIdentifier, Family: tools.FamilyVision, Invoker: pauser}); err != nil {
		t.Fatalf("register: %v", err)
	}
	pausingExec := newExecutor(t, store, pausing, defaultGraph(t), hub)

	status, err := pausingExec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != research.StatusPaused {
		t.Fatalf("expected paused, got %s", status)
	}

	paused, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if paused.StepCount != 3 {
		t.Fatalf("expected pause after identify_product checkpoint, got %d steps", paused.StepCount)
	}
	if paused.PauseRequested {
		t.Fatal("pause flag should be consumed")
	}

	// Resume requeues the run; a fresh lease and execution finish it.
	if err := store.Requeue(context.Background(), run.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	resumed, err := store.AcquireLease(context.Background(), run.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	status, err = exec.Execute(context.Background(), resumed)
	if err != nil {
		t.Fatalf("resumed Execute failed: %v", err)
	}
	if status != research.StatusSuccess {
		t.Fatalf("expected success after resume, got %s", status)
	}
	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.StepCount != 8 {
		t.Fatalf("expected 8 total steps across both sessions, got %d", final.StepCount)
	}
}

// pauseOnInvoke requests a pause before delegating, so the pause lands
// while the node is still executing.
type pauseOnInvoke struct {
	store *research.Store
	runID string
	inner tools.Invoker
}

func (p *pauseOnInvoke) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := p.store.RequestPause(context.Background(), p.runID); err != nil {
		return nil, err
	}
	return p.inner.Invoke(ctx, call)
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(128)
	registry := testsupport.PassingRegistry(t)

	flaky := testsupport.NewStubInvoker(
		testsupport.StubResponse{Err: services.Wrap(services.ErrToolInvocation, pipeline.NodeSearchComps, pipeline.ToolCompSearcher, "search backend unavailable", nil)},
		testsupport.StubResponse{Result: &tools.Result{}},
	)
	testsupport.RegisterStub(t, registry, pipeline.ToolCompSearcher, tools.FamilySearch, flaky)

	exec := newExecutor(t, store, registry, defaultGraph(t), hub)
	run := testsupport.LeasedRun(t, store, "item-flaky", "worker-1")

	status, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != research.StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.StepCount != 9 {
		t.Fatalf("expected 9 steps including the failed attempt, got %d", final.StepCount)
	}
	failures := 0
	for _, rec := range final.StepHistory {
		if rec.Outcome == research.StepFailure {
			failures++
			if rec.Node != pipeline.NodeSearchComps {
				t.Fatalf("unexpected failure on %s", rec.Node)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure record, got %d", failures)
	}
	if got := countSteps(final, pipeline.NodeSearchComps); got != 2 {
		t.Fatalf("expected 2 attempts of search_comps, got %d", got)
	}
}

func TestExecuteExhaustsAttemptsThenResumesFresh(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(256)
	registry := testsupport.PassingRegistry(t)

	broken := testsupport.NewStubInvoker(
		testsupport.StubResponse{Err: services.Wrap(services.ErrToolInvocation, pipeline.NodeSearchComps, pipeline.ToolCompSearcher, "search backend down", nil)},
	)
	testsupport.RegisterStub(t, registry, pipeline.ToolCompSearcher, tools.FamilySearch, broken)

	exec := newExecutor(t, store, registry, defaultGraph(t), hub)
	run := testsupport.LeasedRun(t, store, "item-broken", "worker-1")

	status, err := exec.Execute(context.Background(), run)
	if status != research.StatusError {
		t.Fatalf("expected error status, got %s", status)
	}
	if !errors.Is(err, services.ErrToolInvocation) {
		t.Fatalf("expected tool invocation error, got %v", err)
	}

	errored, getErr := store.GetByID(context.Background(), run.ID)
	if getErr != nil {
		t.Fatalf("GetByID failed: %v", getErr)
	}
	// Three failed attempts, each checkpointed, after the three clean nodes.
	if errored.AttemptsForNode(pipeline.NodeSearchComps) != 3 {
		t.Fatalf("expected 3 attempts before giving up, got %d", errored.AttemptsForNode(pipeline.NodeSearchComps))
	}
	if errored.StepCount != 6 {
		t.Fatalf("expected 6 steps, got %d", errored.StepCount)
	}

	// Resume grants the node a fresh set of attempts in the new session.
	fixed := testsupport.PassingRegistry(t)
	fixedExec := newExecutor(t, store, fixed, defaultGraph(t), hub)
	if err := store.Requeue(context.Background(), run.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	resumed, err := store.AcquireLease(context.Background(), run.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	status, err = fixedExec.Execute(context.Background(), resumed)
	if err != nil {
		t.Fatalf("resumed Execute failed: %v", err)
	}
	if status != research.StatusSuccess {
		t.Fatalf("expected success after resume, got %s", status)
	}
	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	// The resumed session retries search_comps once more, then continues.
	if got := countSteps(final, pipeline.NodeSearchComps); got != 4 {
		t.Fatalf("expected a 4th attempt of search_comps, got %d", got)
	}
}

func TestExecuteStopCommitsInFlightNode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(128)
	registry := testsupport.PassingRegistry(t)

	run := testsupport.LeasedRun(t, store, "item-stop", "worker-1")
	stopper := &stopOnInvoke{store: store, runID: run.ID, inner: testsupport.NewStubInvoker(
		testsupport.StubResponse{Result: &tools.Result{Proposals: []tools.FieldProposal{testsupport.Proposal("condition", "good", 0.9)}}},
	)}
	if err := registry.Register(tools.Registration{Name: pipeline.ToolMediaAnalyzer, Family: tools.FamilyVision, Invoker: stopper}); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec := newExecutor(t, store, registry, defaultGraph(t), hub)
	status, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != research.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}

	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	// The node that was in flight when the stop arrived still checkpointed.
	if final.StepCount != 2 {
		t.Fatalf("expected 2 committed steps, got %d", final.StepCount)
	}
	if _, ok := final.FieldStates["condition"]; !ok {
		t.Fatal("in-flight node's field update not committed")
	}
	if err := store.Requeue(context.Background(), run.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("stopped run must not be resumable, got %v", err)
	}
}

type stopOnInvoke struct {
	store *research.Store
	runID string
	inner tools.Invoker
}

func (s *stopOnInvoke) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := s.store.Stop(context.Background(), s.runID); err != nil {
		return nil, err
	}
	return s.inner.Invoke(ctx, call)
}

func TestExecuteTimesOutSlowNode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(64)

	graph, err := pipeline.NewGraph("timeout-v1", "slow", []pipeline.Node{
		{Name: "slow", Tool: "slow_tool", Timeout: 50 * time.Millisecond, MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Registration{Name: "slow_tool", Family: tools.FamilyLookup, Invoker: slowInvoker{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	exec := newExecutor(t, store, registry, graph, hub)

	created, err := store.CreateRun(context.Background(), research.NewRunParams{
		ItemID:  "item-slow",
		RunType: research.RunTypeInitial,
		Mode:    research.ModeBalanced,
		Constraints: research.Constraints{
			PipelineVersion:     "timeout-v1",
			Mode:                research.ModeBalanced,
			MaxAttempts:         1,
			NodeCount:           1,
			RetryBudget:         1,
			NodeTimeoutSeconds:  30,
			ResearchLoopLimit:   0,
			RequiredFields:      []string{"title"},
			CompletionThreshold: 0.7,
		},
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	run, err := store.AcquireLease(context.Background(), created.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	status, execErr := exec.Execute(context.Background(), run)
	if status != research.StatusError {
		t.Fatalf("expected error status, got %s", status)
	}
	if !errors.Is(execErr, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", execErr)
	}
	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.StepCount != 1 || final.StepHistory[0].Outcome != research.StepFailure {
		t.Fatalf("expected one failed step, got %+v", final.StepHistory)
	}
}

// slowInvoker blocks until its deadline fires.
type slowInvoker struct{}

func (slowInvoker) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecuteLoopsWhenRequiredFieldUnresolved(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(256)
	registry := testsupport.PassingRegistry(t)

	// The price calculator never produces a price, so assess_missing loops
	// back once before giving up and persisting what it has.
	testsupport.RegisterStub(t, registry, pipeline.ToolPriceCalculator, tools.FamilyPricing, testsupport.NewStubInvoker())
	exec := newExecutor(t, store, registry, defaultGraph(t), hub)

	run := testsupport.LeasedRun(t, store, "item-loop", "worker-1")
	status, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != research.StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}

	final, err := store.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	// 8 nodes plus one re-search loop of 4 nodes before persisting.
	if final.StepCount != 12 {
		t.Fatalf("expected 12 steps with one re-search loop, got %d", final.StepCount)
	}
	if got := countSteps(final, pipeline.NodeAssessMissing); got != 2 {
		t.Fatalf("expected 2 assessments, got %d", got)
	}
	if _, ok := final.FieldStates["price"]; ok {
		t.Fatal("price should remain unresolved")
	}
	if final.CompletionScore >= 1 {
		t.Fatalf("score should reflect the missing field, got %.2f", final.CompletionScore)
	}
}

func TestExecuteRejectsRunWithoutLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	exec := newExecutor(t, store, testsupport.PassingRegistry(t), defaultGraph(t), activity.NewHub(16))

	run := testsupport.NewRun(t, store, "item-nolease")
	if _, err := exec.Execute(context.Background(), run); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestExecutePublishesActivityEntries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := activity.NewHub(256)
	exec := newExecutor(t, store, testsupport.PassingRegistry(t), defaultGraph(t), hub)

	run := testsupport.LeasedRun(t, store, "item-activity", "worker-1")
	if _, err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, _, err := hub.Fetch(ctx, 0, 256, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	var nodes, toolCalls int
	for _, ev := range events {
		if ev.Entry == nil {
			continue
		}
		switch ev.Entry.Type {
		case activity.TypeNode:
			nodes++
		case activity.TypeToolCall:
			toolCalls++
		}
	}
	if nodes != 8 || toolCalls != 8 {
		t.Fatalf("expected 8 node and 8 tool_call entries, got %d/%d", nodes, toolCalls)
	}

	stored, err := store.ActivityForRun(context.Background(), run.ID, time.Time{}, 100)
	if err != nil {
		t.Fatalf("ActivityForRun failed: %v", err)
	}
	if len(stored) < 16 {
		t.Fatalf("expected persisted activity rows, got %d", len(stored))
	}
}
