// Package builtin provides the default tool implementations used when no
// external command is bound to a tool name. They keep the pipeline
// functional without any external services: deterministic local logic for
// context loading, gap assessment, and result persistence, and inert
// passthroughs for the analysis tools that normally shell out.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"magpie/internal/fieldstate"
	"magpie/internal/tools"
)

// ContextLoader seeds nothing by itself; caller-provided seed fields are
// already in the run. It exists so the entry node always succeeds.
type ContextLoader struct{}

func (ContextLoader) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tools.Result{
		Summary: fmt.Sprintf("loaded context for item %s (%d known fields)", call.ItemID, len(call.Fields)),
	}, nil
}

// Passthrough succeeds without proposing anything. It stands in for
// analysis tools that have no external command bound.
type Passthrough struct {
	Name string
}

func (p Passthrough) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tools.Result{
		Summary:  fmt.Sprintf("%s: no external command bound, skipping", p.Name),
		Metadata: map[string]string{"skipped": "true"},
	}, nil
}

// GapAssessor reports which required fields remain unresolved. The branch
// decision itself happens in the graph; this tool records the assessment
// in the activity log.
type GapAssessor struct {
	RequiredFields []string
}

func (g GapAssessor) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var unresolved []string
	for _, name := range g.RequiredFields {
		state, ok := call.Fields[name]
		if !ok || state.Status != fieldstate.StatusConfirmed {
			unresolved = append(unresolved, name)
		}
	}
	sort.Strings(unresolved)
	if len(unresolved) == 0 {
		return &tools.Result{Summary: "all required fields resolved"}, nil
	}
	return &tools.Result{
		Summary:  fmt.Sprintf("%d required field(s) unresolved: %s", len(unresolved), strings.Join(unresolved, ", ")),
		Metadata: map[string]string{"unresolved": strings.Join(unresolved, ",")},
	}, nil
}

// ResultPersister summarizes the final field values. The durable write is
// the run's own checkpoint; this tool renders the listing-facing summary.
type ResultPersister struct{}

func (ResultPersister) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(call.Fields))
	for name, state := range call.Fields {
		if state.Status != fieldstate.StatusMissing && state.Value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, call.Fields[name].Value))
	}
	return &tools.Result{
		Summary:  fmt.Sprintf("persisted %d field(s): %s", len(parts), strings.Join(parts, ", ")),
		Metadata: map[string]string{"fields": strings.Join(names, ",")},
	}, nil
}
