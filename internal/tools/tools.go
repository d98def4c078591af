package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"magpie/internal/fieldstate"
	"magpie/internal/services"
)

// Family groups tools for calibration: effectiveness metrics and
// confidence-adjustment weights are tracked per family.
type Family string

const (
	FamilyVision  Family = "vision"
	FamilySearch  Family = "search"
	FamilyPricing Family = "pricing"
	FamilyLookup  Family = "lookup"
)

// Call is one tool invocation request.
type Call struct {
	Tool   string
	RunID  string
	ItemID string
	// Fields is the current field state snapshot the tool may consult.
	Fields map[string]fieldstate.State
	// Input carries node-specific parameters (search terms, media refs).
	Input map[string]any
}

// FieldProposal is one field update suggested by a tool. The tracker's
// authority rule decides whether it is applied.
type FieldProposal struct {
	Name       string            `json:"name"`
	Value      string            `json:"value"`
	Confidence float64           `json:"confidence"`
	Source     fieldstate.Source `json:"source"`
}

// Result is a successful tool invocation outcome.
type Result struct {
	Proposals []FieldProposal
	Summary   string
	CostUsd   float64
	Metadata  map[string]string
}

// Invoker executes a named tool. Implementations must honor context
// cancellation; the executor applies per-node timeouts through ctx.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
}

// Registration couples a tool name with its family and implementation.
type Registration struct {
	Name    string
	Family  Family
	Invoker Invoker
}

// Registry is the tool catalog the executor resolves names against.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Registration
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds or replaces a tool registration.
func (r *Registry) Register(reg Registration) error {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return fmt.Errorf("tool registration: name is empty")
	}
	if reg.Invoker == nil {
		return fmt.Errorf("tool registration %q: invoker is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.Name = name
	r.tools[name] = reg
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves and executes a tool. Unknown tools are a validation
// error: the pipeline graph referenced a tool the catalog does not carry.
func (r *Registry) Invoke(ctx context.Context, call Call) (*Result, error) {
	reg, ok := r.Lookup(call.Tool)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "", "invoke tool",
			fmt.Sprintf("tool %q is not registered", call.Tool), nil)
	}
	result, err := reg.Invoker.Invoke(ctx, call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, services.Wrap(services.ErrToolInvocation, "", "invoke tool",
			fmt.Sprintf("tool %q returned no result", call.Tool), nil)
	}
	return result, nil
}

// FamilyFor returns the registered family for a tool, or empty.
func (r *Registry) FamilyFor(name string) Family {
	reg, ok := r.Lookup(name)
	if !ok {
		return ""
	}
	return reg.Family
}
