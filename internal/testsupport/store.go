package testsupport

import (
	"context"
	"testing"
	"time"

	"magpie/internal/config"
	"magpie/internal/fieldstate"
	"magpie/internal/research"
)

// MustOpenStore opens a research.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *research.Store {
	t.Helper()

	store, err := research.Open(cfg)
	if err != nil {
		t.Fatalf("research.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Constraints builds a valid constraint snapshot for the given policy.
func Constraints(maxAttempts, nodeCount int) research.Constraints {
	return research.Constraints{
		PipelineVersion:     "test-v1",
		Mode:                research.ModeBalanced,
		MaxAttempts:         maxAttempts,
		NodeCount:           nodeCount,
		RetryBudget:         maxAttempts * nodeCount,
		NodeTimeoutSeconds:  30,
		ResearchLoopLimit:   1,
		RequiredFields:      []string{"title", "category", "condition", "price"},
		CompletionThreshold: 0.7,
	}
}

// NewRun creates a pending run for an item using a standard test
// constraint snapshot.
func NewRun(t testing.TB, store *research.Store, itemID string) *research.Run {
	t.Helper()

	run, err := store.CreateRun(context.Background(), research.NewRunParams{
		ItemID:      itemID,
		RunType:     research.RunTypeInitial,
		Mode:        research.ModeBalanced,
		Constraints: Constraints(3, 8),
	})
	if err != nil {
		t.Fatalf("store.CreateRun: %v", err)
	}
	return run
}

// LeasedRun creates a run and acquires its lease so it is ready for
// checkpoint writes.
func LeasedRun(t testing.TB, store *research.Store, itemID, holder string) *research.Run {
	t.Helper()

	created := NewRun(t, store, itemID)
	run, err := store.AcquireLease(context.Background(), created.ID, holder, time.Minute)
	if err != nil {
		t.Fatalf("store.AcquireLease: %v", err)
	}
	return run
}

// Field builds a confirmed field state for seeding runs in tests.
func Field(name, value string, confidence float64, source fieldstate.Source) fieldstate.State {
	status := fieldstate.StatusLowConfidence
	if confidence >= 0.8 {
		status = fieldstate.StatusConfirmed
	}
	if value == "" {
		status = fieldstate.StatusMissing
	}
	return fieldstate.State{
		Name:       name,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		Status:     status,
	}
}
