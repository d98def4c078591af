package fieldstate_test

import (
	"testing"
	"time"

	"magpie/internal/fieldstate"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestApplySetsNewField(t *testing.T) {
	tracker := fieldstate.NewTracker(nil)

	state, applied := tracker.Apply(fieldstate.Update{
		Name:       "Title",
		Value:      "Vintage Walkman",
		Confidence: 0.9,
		Source:     fieldstate.SourceAIInferred,
	}, now)
	if !applied {
		t.Fatal("expected update to apply")
	}
	if state.Name != "title" {
		t.Fatalf("expected lowercased name, got %q", state.Name)
	}
	if state.Status != fieldstate.StatusConfirmed {
		t.Fatalf("expected confirmed at 0.9 confidence, got %s", state.Status)
	}
}

func TestApplyAuthorityOrdering(t *testing.T) {
	tracker := fieldstate.NewTracker(map[string]fieldstate.State{
		"price": {
			Name:       "price",
			Value:      "45.00",
			Confidence: 0.6,
			Source:     fieldstate.SourceLookupTable,
			Status:     fieldstate.StatusLowConfidence,
		},
	})

	// A default may not replace a lookup value.
	if _, applied := tracker.Apply(fieldstate.Update{
		Name: "price", Value: "1.00", Confidence: 1.0, Source: fieldstate.SourceDefault,
	}, now); applied {
		t.Fatal("default must not override lookup_table")
	}

	// A higher-authority source always wins, even at lower confidence.
	state, applied := tracker.Apply(fieldstate.Update{
		Name: "price", Value: "50.00", Confidence: 0.3, Source: fieldstate.SourceAIInferred,
	}, now)
	if !applied || state.Value != "50.00" {
		t.Fatalf("ai_inferred should override lookup_table, applied=%v state=%#v", applied, state)
	}

	// Equal authority requires confidence at least as high.
	if _, applied := tracker.Apply(fieldstate.Update{
		Name: "price", Value: "20.00", Confidence: 0.2, Source: fieldstate.SourceAIInferred,
	}, now); applied {
		t.Fatal("equal authority with lower confidence must not apply")
	}
	state, applied = tracker.Apply(fieldstate.Update{
		Name: "price", Value: "48.00", Confidence: 0.95, Source: fieldstate.SourceAIInferred,
	}, now)
	if !applied || state.Value != "48.00" {
		t.Fatal("equal authority with higher confidence should apply")
	}
}

func TestApplyNeverOverridesUserProvided(t *testing.T) {
	tracker := fieldstate.NewTracker(nil)
	if _, applied := tracker.Apply(fieldstate.Update{
		Name: "condition", Value: "mint", Confidence: 1.0, Source: fieldstate.SourceUserProvided,
	}, now); !applied {
		t.Fatal("user value should apply")
	}

	if _, applied := tracker.Apply(fieldstate.Update{
		Name: "condition", Value: "poor", Confidence: 1.0, Source: fieldstate.SourceAIInferred,
	}, now); applied {
		t.Fatal("user_provided must never be overwritten by a tool")
	}
	state, _ := tracker.Get("condition")
	if state.Value != "mint" {
		t.Fatalf("expected user value preserved, got %q", state.Value)
	}
}

func TestApplyCalibrationAdjustment(t *testing.T) {
	tracker := fieldstate.NewTracker(nil)
	tracker.SetAdjustments(map[string]float64{"vision": 0.5})

	state, applied := tracker.Apply(fieldstate.Update{
		Name:       "title",
		Value:      "Walkman",
		Confidence: 0.9,
		Source:     fieldstate.SourceAIInferred,
		ToolFamily: "vision",
	}, now)
	if !applied {
		t.Fatal("expected update to apply")
	}
	if state.Confidence != 0.45 {
		t.Fatalf("expected adjusted confidence 0.45, got %f", state.Confidence)
	}
	if state.Status != fieldstate.StatusLowConfidence {
		t.Fatalf("adjusted confidence should demote status, got %s", state.Status)
	}
}

func defaultWeights() fieldstate.Weights {
	return fieldstate.Weights{
		RequiredFields:      []string{"title", "price"},
		RequiredFieldWeight: 2.0,
		OptionalFieldWeight: 1.0,
		CompletionThreshold: 0.7,
	}
}

func TestCompletionScoreCountsMissingRequired(t *testing.T) {
	tracker := fieldstate.NewTracker(nil)
	if score := tracker.CompletionScore(defaultWeights()); score != 0 {
		t.Fatalf("empty tracker should score 0, got %f", score)
	}

	tracker.Apply(fieldstate.Update{
		Name: "title", Value: "Walkman", Confidence: 1.0, Source: fieldstate.SourceAIInferred,
	}, now)
	half := tracker.CompletionScore(defaultWeights())
	if half <= 0 || half >= 1 {
		t.Fatalf("expected partial score, got %f", half)
	}

	tracker.Apply(fieldstate.Update{
		Name: "price", Value: "45.00", Confidence: 1.0, Source: fieldstate.SourceAIInferred,
	}, now)
	full := tracker.CompletionScore(defaultWeights())
	if full <= half {
		t.Fatalf("score must increase as required fields resolve: %f -> %f", half, full)
	}
}

func TestCompletionScoreNeverDropsOnNewFields(t *testing.T) {
	weights := fieldstate.Weights{
		RequiredFields:      []string{"title"},
		OptionalFields:      []string{"brand"},
		RequiredFieldWeight: 2.0,
		OptionalFieldWeight: 1.0,
	}
	tracker := fieldstate.NewTracker(nil)
	tracker.Apply(fieldstate.Update{
		Name: "title", Value: "Walkman", Confidence: 1.0, Source: fieldstate.SourceAIInferred,
	}, now)
	before := tracker.CompletionScore(weights)

	// A field outside the declared universe never moves the score.
	tracker.Apply(fieldstate.Update{
		Name: "color", Value: "silver", Confidence: 0.1, Source: fieldstate.SourceAIInferred,
	}, now)
	if got := tracker.CompletionScore(weights); got != before {
		t.Fatalf("undeclared field changed the score: %f -> %f", before, got)
	}

	// A declared optional arriving at any confidence only adds to it.
	tracker.Apply(fieldstate.Update{
		Name: "brand", Value: "Sony", Confidence: 0.1, Source: fieldstate.SourceLookupTable,
	}, now)
	if got := tracker.CompletionScore(weights); got < before {
		t.Fatalf("score decreased after a non-decreasing update: %f -> %f", before, got)
	}
}

func TestCompletionScoreIsDeterministic(t *testing.T) {
	build := func() *fieldstate.Tracker {
		tracker := fieldstate.NewTracker(nil)
		tracker.Apply(fieldstate.Update{Name: "title", Value: "a", Confidence: 0.8, Source: fieldstate.SourceAIInferred}, now)
		tracker.Apply(fieldstate.Update{Name: "brand", Value: "b", Confidence: 0.5, Source: fieldstate.SourceLookupTable}, now)
		return tracker
	}
	first := build().CompletionScore(defaultWeights())
	for i := 0; i < 10; i++ {
		if score := build().CompletionScore(defaultWeights()); score != first {
			t.Fatalf("score not deterministic: %f vs %f", score, first)
		}
	}
}

func TestReadyToPublish(t *testing.T) {
	tracker := fieldstate.NewTracker(nil)
	weights := defaultWeights()
	if tracker.ReadyToPublish(weights) {
		t.Fatal("empty tracker must not be publishable")
	}

	tracker.Apply(fieldstate.Update{Name: "title", Value: "Walkman", Confidence: 0.95, Source: fieldstate.SourceAIInferred}, now)
	tracker.Apply(fieldstate.Update{Name: "price", Value: "45.00", Confidence: 0.9, Source: fieldstate.SourceAIInferred}, now)
	if !tracker.ReadyToPublish(weights) {
		t.Fatalf("expected publishable, score %f", tracker.CompletionScore(weights))
	}
}
