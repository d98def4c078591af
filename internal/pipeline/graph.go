package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"magpie/internal/fieldstate"
	"magpie/internal/services"
)

// Selection carries the state a branch node inspects when choosing its
// successor.
type Selection struct {
	Fields         map[string]fieldstate.State
	RequiredFields []string
	Loops          int
	LoopLimit      int
}

// Node is a single unit of work in the graph. A node with a Select function
// is a branch node and must declare every possible successor in Branches;
// all other nodes follow Next.
type Node struct {
	Name        string
	Tool        string
	Timeout     time.Duration
	MaxAttempts int
	Next        string
	Branches    []string
	Select      func(sel Selection) string
}

func (n Node) terminal() bool {
	return n.Next == "" && n.Select == nil
}

// Graph is a validated directed graph of research nodes.
type Graph struct {
	version string
	entry   string
	nodes   map[string]Node
	order   []string
}

// NewGraph validates the node set and returns the graph. Every successor
// must resolve to a declared node and the entry must exist.
func NewGraph(version, entry string, nodes []Node) (*Graph, error) {
	if version == "" {
		return nil, services.Wrap(services.ErrValidation, "", "graph", "pipeline version is required", nil)
	}
	if len(nodes) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "graph", "at least one node is required", nil)
	}
	byName := make(map[string]Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node.Name == "" {
			return nil, services.Wrap(services.ErrValidation, "", "graph", "node name is required", nil)
		}
		if node.Tool == "" {
			return nil, services.Wrap(services.ErrValidation, node.Name, "graph", "node tool is required", nil)
		}
		if _, exists := byName[node.Name]; exists {
			return nil, services.Wrap(services.ErrValidation, node.Name, "graph", "duplicate node name", nil)
		}
		if node.Select != nil && len(node.Branches) == 0 {
			return nil, services.Wrap(services.ErrValidation, node.Name, "graph", "branch node declares no successors", nil)
		}
		if node.Select == nil && len(node.Branches) > 0 {
			return nil, services.Wrap(services.ErrValidation, node.Name, "graph", "successor list without a selection function", nil)
		}
		byName[node.Name] = node
		order = append(order, node.Name)
	}
	if _, ok := byName[entry]; !ok {
		return nil, services.Wrap(services.ErrValidation, entry, "graph", "entry node is not declared", nil)
	}
	for _, node := range nodes {
		if node.Next != "" {
			if _, ok := byName[node.Next]; !ok {
				return nil, services.Wrap(services.ErrValidation, node.Name, "graph", fmt.Sprintf("successor %q is not declared", node.Next), nil)
			}
		}
		for _, branch := range node.Branches {
			if _, ok := byName[branch]; !ok {
				return nil, services.Wrap(services.ErrValidation, node.Name, "graph", fmt.Sprintf("branch target %q is not declared", branch), nil)
			}
		}
	}
	return &Graph{version: version, entry: entry, nodes: byName, order: order}, nil
}

// Version identifies the graph shape for constraint snapshots.
func (g *Graph) Version() string { return g.version }

// Entry returns the first node of a fresh run.
func (g *Graph) Entry() string { return g.entry }

// NodeCount reports the number of declared nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Names returns node names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Node looks up a declared node by name.
func (g *Graph) Node(name string) (Node, bool) {
	node, ok := g.nodes[name]
	return node, ok
}

// Successor resolves the node that follows a completed node. Branch nodes
// consult their selection function; the chosen target must be one of the
// declared branches. An empty result means the run is complete.
func (g *Graph) Successor(name string, sel Selection) (string, error) {
	node, ok := g.nodes[name]
	if !ok {
		return "", services.Wrap(services.ErrValidation, name, "graph", "unknown node", nil)
	}
	if node.Select == nil {
		return node.Next, nil
	}
	target := node.Select(sel)
	if target == "" {
		return "", nil
	}
	for _, branch := range node.Branches {
		if branch == target {
			return target, nil
		}
	}
	return "", services.Wrap(services.ErrValidation, name, "graph", fmt.Sprintf("selected undeclared branch %q", target), nil)
}

// NodeLabel renders a node name for logs and activity titles.
func NodeLabel(name string) string {
	cleaned := strings.ReplaceAll(name, "_", " ")
	return cases.Title(language.English).String(cleaned)
}

// DefaultGraphVersion identifies the built-in research graph.
const DefaultGraphVersion = "research-v1"

// Built-in node names.
const (
	NodeLoadContext     = "load_context"
	NodeAnalyzeMedia    = "analyze_media"
	NodeIdentifyProduct = "identify_product"
	NodeSearchComps     = "search_comps"
	NodeAnalyzeComps    = "analyze_comps"
	NodeCalculatePrice  = "calculate_price"
	NodeAssessMissing   = "assess_missing"
	NodePersistResults  = "persist_results"
)

// Tool names the default graph binds to.
const (
	ToolContextLoader     = "context_loader"
	ToolMediaAnalyzer     = "media_analyzer"
	ToolProductIdentifier = "product_identifier"
	ToolCompSearcher      = "comp_searcher"
	ToolCompAnalyzer      = "comp_analyzer"
	ToolPriceCalculator   = "price_calculator"
	ToolGapAssessor       = "gap_assessor"
	ToolResultPersister   = "result_persister"
)

// DefaultGraph builds the standard research graph. The assess_missing node
// loops back to search_comps while required fields remain unresolved and the
// loop bound has not been reached.
func DefaultGraph() (*Graph, error) {
	nodes := []Node{
		{Name: NodeLoadContext, Tool: ToolContextLoader, Next: NodeAnalyzeMedia},
		{Name: NodeAnalyzeMedia, Tool: ToolMediaAnalyzer, Next: NodeIdentifyProduct},
		{Name: NodeIdentifyProduct, Tool: ToolProductIdentifier, Next: NodeSearchComps},
		{Name: NodeSearchComps, Tool: ToolCompSearcher, Next: NodeAnalyzeComps},
		{Name: NodeAnalyzeComps, Tool: ToolCompAnalyzer, Next: NodeCalculatePrice},
		{Name: NodeCalculatePrice, Tool: ToolPriceCalculator, Next: NodeAssessMissing},
		{
			Name:     NodeAssessMissing,
			Tool:     ToolGapAssessor,
			Branches: []string{NodeSearchComps, NodePersistResults},
			Select:   selectAfterAssessment,
		},
		{Name: NodePersistResults, Tool: ToolResultPersister},
	}
	return NewGraph(DefaultGraphVersion, NodeLoadContext, nodes)
}

func selectAfterAssessment(sel Selection) string {
	if sel.Loops >= sel.LoopLimit {
		return NodePersistResults
	}
	if len(unresolvedFields(sel.Fields, sel.RequiredFields)) == 0 {
		return NodePersistResults
	}
	return NodeSearchComps
}

func unresolvedFields(fields map[string]fieldstate.State, required []string) []string {
	var out []string
	for _, name := range required {
		state, ok := fields[name]
		if !ok || state.Status != fieldstate.StatusConfirmed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
