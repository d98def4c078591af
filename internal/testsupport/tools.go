package testsupport

import (
	"context"
	"sync"
	"testing"

	"magpie/internal/fieldstate"
	"magpie/internal/pipeline"
	"magpie/internal/tools"
)

// StubInvoker returns scripted results per call. Responses are consumed in
// order; when the script runs out the last response repeats.
type StubInvoker struct {
	mu        sync.Mutex
	responses []StubResponse
	calls     []tools.Call
}

// StubResponse is one scripted invocation outcome.
type StubResponse struct {
	Result *tools.Result
	Err    error
}

// NewStubInvoker scripts an invoker. With no responses every call returns
// an empty successful result.
func NewStubInvoker(responses ...StubResponse) *StubInvoker {
	return &StubInvoker{responses: responses}
}

// Invoke records the call and returns the next scripted response.
func (s *StubInvoker) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.responses) == 0 {
		return &tools.Result{}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp.Result, resp.Err
}

// Calls returns a copy of every recorded call.
func (s *StubInvoker) Calls() []tools.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Proposal shorthands a confident ai_inferred field proposal.
func Proposal(name, value string, confidence float64) tools.FieldProposal {
	return tools.FieldProposal{
		Name:       name,
		Value:      value,
		Confidence: confidence,
		Source:     fieldstate.SourceAIInferred,
	}
}

// PassingRegistry registers a succeeding stub for every tool of the default
// graph. Each stub proposes a confirmed value for the field named after its
// node so runs complete with all required fields resolved when the required
// set matches the proposals.
func PassingRegistry(t testing.TB) *tools.Registry {
	t.Helper()

	registry := tools.NewRegistry()
	bindings := []struct {
		tool   string
		family tools.Family
		props  []tools.FieldProposal
	}{
		{pipeline.ToolContextLoader, tools.FamilyLookup, nil},
		{pipeline.ToolMediaAnalyzer, tools.FamilyVision, []tools.FieldProposal{Proposal("condition", "good", 0.9)}},
		{pipeline.ToolProductIdentifier, tools.FamilyVision, []tools.FieldProposal{
			Proposal("title", "Vintage Walkman", 0.92),
			Proposal("category", "electronics", 0.88),
		}},
		{pipeline.ToolCompSearcher, tools.FamilySearch, nil},
		{pipeline.ToolCompAnalyzer, tools.FamilyPricing, nil},
		{pipeline.ToolPriceCalculator, tools.FamilyPricing, []tools.FieldProposal{Proposal("price", "45.00", 0.85)}},
		{pipeline.ToolGapAssessor, tools.FamilyLookup, nil},
		{pipeline.ToolResultPersister, tools.FamilyLookup, nil},
	}
	for _, binding := range bindings {
		err := registry.Register(tools.Registration{
			Name:    binding.tool,
			Family:  binding.family,
			Invoker: NewStubInvoker(StubResponse{Result: &tools.Result{Proposals: binding.props}}),
		})
		if err != nil {
			t.Fatalf("register %s: %v", binding.tool, err)
		}
	}
	return registry
}

// RegisterStub installs one stub tool into a registry.
func RegisterStub(t testing.TB, registry *tools.Registry, name string, family tools.Family, stub *StubInvoker) {
	t.Helper()

	if err := registry.Register(tools.Registration{Name: name, Family: family, Invoker: stub}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}
