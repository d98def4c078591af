package main

import (
	"log"
	"time"

	"magpie/internal/config"
	"magpie/internal/pipeline"
	"magpie/internal/tools"
	"magpie/internal/tools/builtin"
)

// registerTools binds every graph tool to either the configured external
// command or its builtin fallback.
func registerTools(registry *tools.Registry, cfg *config.Config) {
	bindings := []struct {
		name     string
		family   tools.Family
		fallback tools.Invoker
	}{
		{pipeline.ToolContextLoader, tools.FamilyLookup, builtin.ContextLoader{}},
		{pipeline.ToolMediaAnalyzer, tools.FamilyVision, builtin.Passthrough{Name: pipeline.ToolMediaAnalyzer}},
		{pipeline.ToolProductIdentifier, tools.FamilyVision, builtin.Passthrough{Name: pipeline.ToolProductIdentifier}},
		{pipeline.ToolCompSearcher, tools.FamilySearch, builtin.Passthrough{Name: pipeline.ToolCompSearcher}},
		{pipeline.ToolCompAnalyzer, tools.FamilyPricing, builtin.Passthrough{Name: pipeline.ToolCompAnalyzer}},
		{pipeline.ToolPriceCalculator, tools.FamilyPricing, builtin.Passthrough{Name: pipeline.ToolPriceCalculator}},
		{pipeline.ToolGapAssessor, tools.FamilyLookup, builtin.GapAssessor{RequiredFields: cfg.Publish.RequiredFields}},
		{pipeline.ToolResultPersister, tools.FamilyLookup, builtin.ResultPersister{}},
	}

	for _, binding := range bindings {
		invoker := binding.fallback
		if commandLine, ok := cfg.Tools[binding.name]; ok {
			cmd, err := tools.NewCommandInvoker(commandLine)
			if err != nil {
				log.Fatalf("tool %s: %v", binding.name, err)
			}
			invoker = cmd
		}
		if err := registry.Register(tools.Registration{
			Name:    binding.name,
			Family:  binding.family,
			Invoker: invoker,
		}); err != nil {
			log.Fatalf("register tool %s: %v", binding.name, err)
		}
	}
}

func leaseTTL(cfg *config.Config) time.Duration {
	seconds := cfg.Workflow.LeaseTTLSeconds
	if seconds < 1 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}
