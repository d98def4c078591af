package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"magpie/internal/fieldstate"
	"magpie/internal/pipeline"
	"magpie/internal/research"
)

func renderRunSummary(run *research.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:        %s\n", run.ID)
	fmt.Fprintf(&b, "Item:       %s\n", run.ItemID)
	fmt.Fprintf(&b, "Status:     %s\n", run.Status)
	fmt.Fprintf(&b, "Type:       %s (%s mode)\n", run.RunType, run.Mode)
	fmt.Fprintf(&b, "Node:       %s\n", orDash(pipeline.NodeLabel(run.CurrentNode)))
	fmt.Fprintf(&b, "Steps:      %d of %d budget\n", run.StepCount, run.Constraints.RetryBudget)
	fmt.Fprintf(&b, "Pipeline:   %s\n", run.PipelineVersion)
	if run.CompletionScore > 0 {
		fmt.Fprintf(&b, "Score:      %.2f (threshold %.2f)\n", run.CompletionScore, run.Constraints.CompletionThreshold)
	}
	if run.CostUsd > 0 {
		fmt.Fprintf(&b, "Cost:       $%.4f\n", run.CostUsd)
	}
	if run.PauseRequested {
		fmt.Fprintf(&b, "Pause:      requested\n")
	}
	if run.NeedsReview {
		fmt.Fprintf(&b, "Review:     %s\n", orDash(run.ReviewReason))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error:      %s\n", run.ErrorMessage)
	}
	if run.Summary != "" {
		fmt.Fprintf(&b, "Summary:    %s\n", run.Summary)
	}
	if len(run.Constraints.CalibrationVersions) > 0 {
		families := make([]string, 0, len(run.Constraints.CalibrationVersions))
		for family := range run.Constraints.CalibrationVersions {
			families = append(families, family)
		}
		sort.Strings(families)
		parts := make([]string, 0, len(families))
		for _, family := range families {
			parts = append(parts, fmt.Sprintf("%s=v%d", family, run.Constraints.CalibrationVersions[family]))
		}
		fmt.Fprintf(&b, "Calibration: %s\n", strings.Join(parts, " "))
	}
	return b.String()
}

func renderFieldStates(states map[string]fieldstate.State) string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		state := states[name]
		rows = append(rows, []string{
			name,
			orDash(state.Value),
			fmt.Sprintf("%.2f", state.Confidence),
			string(state.Source),
			string(state.Status),
			orDash(state.UpdatedByNode),
		})
	}
	return renderTable(
		[]string{"Field", "Value", "Confidence", "Source", "Status", "Set By"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func renderStepHistory(steps []research.StepRecord) string {
	rows := make([][]string, 0, len(steps))
	for _, step := range steps {
		errSummary := step.ErrorSummary
		if len(errSummary) > 60 {
			errSummary = errSummary[:57] + "..."
		}
		rows = append(rows, []string{
			pipeline.NodeLabel(step.Node),
			fmt.Sprintf("%d", step.Attempt),
			string(step.Outcome),
			step.CompletedAt.Sub(step.StartedAt).Round(10 * time.Millisecond).String(),
			orDash(errSummary),
		})
	}
	return renderTable(
		[]string{"Node", "Attempt", "Outcome", "Duration", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
