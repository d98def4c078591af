package research_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"magpie/internal/activity"
	"magpie/internal/fieldstate"
	"magpie/internal/research"
	"magpie/internal/services"
	"magpie/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.NewRun(t, store, "item-1")
	if run.ID == "" {
		t.Fatal("expected run ID to be assigned")
	}
	if run.Status != research.StatusPending {
		t.Fatalf("expected pending status, got %s", run.Status)
	}

	fetched, err := store.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.ItemID != "item-1" {
		t.Fatalf("unexpected fetched run: %#v", fetched)
	}
	if fetched.Constraints.RetryBudget != 24 {
		t.Fatalf("expected retry budget 24, got %d", fetched.Constraints.RetryBudget)
	}
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	testsupport.NewRun(t, store, "item-1")

	_, err := store.CreateRun(ctx, research.NewRunParams{
		ItemID:      "item-1",
		Constraints: testsupport.Constraints(3, 8),
	})
	if !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}

	// A different item is unaffected.
	if _, err := store.CreateRun(ctx, research.NewRunParams{
		ItemID:      "item-2",
		Constraints: testsupport.Constraints(3, 8),
	}); err != nil {
		t.Fatalf("CreateRun for second item failed: %v", err)
	}
}

func TestCreateRunAllowedAfterTerminalRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first := testsupport.NewRun(t, store, "item-1")
	if err := store.Stop(ctx, first.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second, err := store.CreateRun(ctx, research.NewRunParams{
		ItemID:      "item-1",
		RunType:     research.RunTypeReResearch,
		Constraints: testsupport.Constraints(3, 8),
	})
	if err != nil {
		t.Fatalf("CreateRun after stop failed: %v", err)
	}
	if second.RunType != research.RunTypeReResearch {
		t.Fatalf("unexpected run type %s", second.RunType)
	}
}

func TestAcquireLeaseConflicts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.NewRun(t, store, "item-1")

	leased, err := store.AcquireLease(ctx, run.ID, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if leased.Status != research.StatusRunning || leased.LeaseHolder != "worker-a" {
		t.Fatalf("unexpected leased run: status=%s holder=%s", leased.Status, leased.LeaseHolder)
	}

	if _, err := store.AcquireLease(ctx, run.ID, "worker-b", time.Minute); !errors.Is(err, services.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}

func TestRenewLeaseRequiresHolder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	if err := store.RenewLease(ctx, run.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if err := store.RenewLease(ctx, run.ID, "worker-b", time.Minute); !errors.Is(err, services.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}

func TestCheckpointPersistsAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	now := time.Now().UTC()
	fields := map[string]fieldstate.State{
		"title": testsupport.Field("title", "Vintage Walkman", 0.9, fieldstate.SourceAIInferred),
	}
	entries, err := store.Checkpoint(ctx, research.CheckpointWrite{
		RunID:    run.ID,
		Holder:   "worker-a",
		LeaseTTL: time.Minute,
		Step: research.StepRecord{
			Node:        "load_context",
			Attempt:     1,
			StartedAt:   now.Add(-time.Second),
			CompletedAt: now,
			Outcome:     research.StepSuccess,
		},
		AdvanceTo:   "load_context",
		FieldStates: fields,
		CostDelta:   0.01,
		Entries: []activity.Entry{{
			RunID:     run.ID,
			ItemID:    run.ItemID,
			Type:      activity.TypeNode,
			EventType: "node_completed",
			Title:     "Load Context",
			Status:    activity.EntryStatusSuccess,
			Timestamp: now,
		}},
	})
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID == 0 {
		t.Fatalf("expected persisted entry with id, got %#v", entries)
	}

	fetched, err := store.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.StepCount != 1 || fetched.CurrentNode != "load_context" {
		t.Fatalf("checkpoint not applied: steps=%d node=%s", fetched.StepCount, fetched.CurrentNode)
	}
	if fetched.CostUsd != 0.01 {
		t.Fatalf("expected cost 0.01, got %f", fetched.CostUsd)
	}
	if state, ok := fetched.FieldStates["title"]; !ok || state.Value != "Vintage Walkman" {
		t.Fatalf("field state not persisted: %#v", fetched.FieldStates)
	}

	logged, err := store.ActivityForRun(ctx, run.ID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ActivityForRun failed: %v", err)
	}
	if len(logged) != 1 || logged[0].EventType != "node_completed" {
		t.Fatalf("expected one activity entry, got %#v", logged)
	}
}

func TestCheckpointRejectsLostLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	now := time.Now().UTC()
	_, err := store.Checkpoint(ctx, research.CheckpointWrite{
		RunID:    run.ID,
		Holder:   "worker-b",
		LeaseTTL: time.Minute,
		Step: research.StepRecord{
			Node:        "load_context",
			Attempt:     1,
			StartedAt:   now,
			CompletedAt: now,
			Outcome:     research.StepSuccess,
		},
		AdvanceTo: "load_context",
	})
	if !errors.Is(err, services.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	fetched, err := store.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.StepCount != 0 {
		t.Fatalf("rejected checkpoint must not persist, got %d steps", fetched.StepCount)
	}
}

func TestRequestPauseIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	if err := store.RequestPause(ctx, run.ID); err != nil {
		t.Fatalf("RequestPause failed: %v", err)
	}
	if err := store.RequestPause(ctx, run.ID); err != nil {
		t.Fatalf("repeat RequestPause failed: %v", err)
	}

	fetched, _ := store.GetByID(ctx, run.ID)
	if !fetched.PauseRequested {
		t.Fatal("expected pause_requested flag")
	}

	if err := store.MarkPaused(ctx, run.ID, "worker-a"); err != nil {
		t.Fatalf("MarkPaused failed: %v", err)
	}
	fetched, _ = store.GetByID(ctx, run.ID)
	if fetched.Status != research.StatusPaused || fetched.PauseRequested {
		t.Fatalf("expected paused with consumed flag, got %s %v", fetched.Status, fetched.PauseRequested)
	}
	if fetched.LeaseHolder != "" {
		t.Fatal("expected lease released on pause")
	}
}

func TestRequestPauseRejectsNonRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	run := testsupport.NewRun(t, store, "item-1")
	if err := store.RequestPause(context.Background(), run.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRequeueEnforcesBudgetAndState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	// Pending runs cannot be requeued.
	other := testsupport.NewRun(t, store, "item-2")
	if err := store.Requeue(ctx, other.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state for pending run, got %v", err)
	}

	if err := store.MarkError(ctx, run.ID, "worker-a", "tool failed", false, ""); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}
	if err := store.Requeue(ctx, run.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	fetched, _ := store.GetByID(ctx, run.ID)
	if fetched.Status != research.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", fetched.Status)
	}
}

func TestRequeueRejectsExhaustedBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	// Burn through the entire budget with failure checkpoints.
	budget := run.Constraints.RetryBudget
	for i := 0; i < budget; i++ {
		now := time.Now().UTC()
		_, err := store.Checkpoint(ctx, research.CheckpointWrite{
			RunID:    run.ID,
			Holder:   "worker-a",
			LeaseTTL: time.Minute,
			Step: research.StepRecord{
				Node:         "load_context",
				Attempt:      i + 1,
				StartedAt:    now,
				CompletedAt:  now,
				Outcome:      research.StepFailure,
				ErrorSummary: "boom",
			},
		})
		if err != nil {
			t.Fatalf("checkpoint %d failed: %v", i, err)
		}
	}
	if err := store.MarkError(ctx, run.ID, "worker-a", "budget spent", true, "retry budget"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}

	if err := store.Requeue(ctx, run.ID); !errors.Is(err, services.ErrRetryBudgetExceeded) {
		t.Fatalf("expected retry budget exceeded, got %v", err)
	}
}

func TestStopIsTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	if err := store.Stop(ctx, run.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	fetched, _ := store.GetByID(ctx, run.ID)
	if fetched.Status != research.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", fetched.Status)
	}
	if fetched.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}

	// A stopped run can never come back.
	if err := store.Requeue(ctx, run.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := store.Stop(ctx, run.ID); !errors.Is(err, services.ErrInvalidState) {
		t.Fatalf("expected invalid state on double stop, got %v", err)
	}
}

func TestStopAllowsInFlightCheckpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	if err := store.Stop(ctx, run.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The node that was executing when stop arrived still commits its work.
	now := time.Now().UTC()
	_, err := store.Checkpoint(ctx, research.CheckpointWrite{
		RunID:    run.ID,
		Holder:   "worker-a",
		LeaseTTL: time.Minute,
		Step: research.StepRecord{
			Node:        "load_context",
			Attempt:     1,
			StartedAt:   now,
			CompletedAt: now,
			Outcome:     research.StepSuccess,
		},
		AdvanceTo: "load_context",
	})
	if err != nil {
		t.Fatalf("in-flight checkpoint after stop failed: %v", err)
	}
	fetched, _ := store.GetByID(ctx, run.ID)
	if fetched.Status != research.StatusCancelled || fetched.StepCount != 1 {
		t.Fatalf("expected cancelled with 1 step, got %s %d", fetched.Status, fetched.StepCount)
	}
}

func TestReclaimExpiredRequeuesAndErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stale := testsupport.NewRun(t, store, "item-1")
	if _, err := store.AcquireLease(ctx, stale.ID, "worker-a", -time.Second); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	live := testsupport.NewRun(t, store, "item-2")
	if _, err := store.AcquireLease(ctx, live.ID, "worker-b", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	reclaimed, err := store.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed run, got %d", reclaimed)
	}

	first, _ := store.GetByID(ctx, stale.ID)
	if first.Status != research.StatusPending || first.LeaseHolder != "" {
		t.Fatalf("expected stale run requeued, got %s holder=%q", first.Status, first.LeaseHolder)
	}
	second, _ := store.GetByID(ctx, live.ID)
	if second.Status != research.StatusRunning {
		t.Fatalf("live lease must not be reclaimed, got %s", second.Status)
	}
}

func TestMarkSuccessRecordsSummaryAndScore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")

	if err := store.MarkSuccess(ctx, run.ID, "worker-a", "done", 0.83); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	fetched, _ := store.GetByID(ctx, run.ID)
	if fetched.Status != research.StatusSuccess || fetched.Summary != "done" {
		t.Fatalf("unexpected run after success: %s %q", fetched.Status, fetched.Summary)
	}
	if fetched.CompletionScore != 0.83 {
		t.Fatalf("expected score 0.83, got %f", fetched.CompletionScore)
	}
	if fetched.LeaseHolder != "" {
		t.Fatal("expected lease released")
	}
}

func TestNextReadySkipsLeasedRuns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first := testsupport.NewRun(t, store, "item-1")
	second := testsupport.NewRun(t, store, "item-2")

	ready, err := store.NextReady(ctx)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if ready == nil || ready.ID != first.ID {
		t.Fatalf("expected oldest pending run, got %#v", ready)
	}

	if _, err := store.AcquireLease(ctx, first.ID, "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	ready, err = store.NextReady(ctx)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if ready == nil || ready.ID != second.ID {
		t.Fatalf("expected second run, got %#v", ready)
	}
}

func TestPruneTerminalCascadesActivity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	run := testsupport.LeasedRun(t, store, "item-1", "worker-a")
	now := time.Now().UTC()
	if _, err := store.Checkpoint(ctx, research.CheckpointWrite{
		RunID:    run.ID,
		Holder:   "worker-a",
		LeaseTTL: time.Minute,
		Step: research.StepRecord{
			Node:        "load_context",
			Attempt:     1,
			StartedAt:   now,
			CompletedAt: now,
			Outcome:     research.StepSuccess,
		},
		AdvanceTo: "load_context",
		Entries: []activity.Entry{{
			RunID:     run.ID,
			ItemID:    run.ItemID,
			Type:      activity.TypeNode,
			EventType: "node_completed",
			Title:     "Load Context",
			Status:    activity.EntryStatusSuccess,
			Timestamp: now,
		}},
	}); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := store.MarkSuccess(ctx, run.ID, "worker-a", "done", 1); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	pruned, err := store.PruneTerminal(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned run, got %d", pruned)
	}
	if _, err := store.GetByID(ctx, run.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found after prune, got %v", err)
	}
	entries, err := store.ActivityForRun(ctx, run.ID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ActivityForRun failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected cascade delete of activity, got %d entries", len(entries))
	}
}
