package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"magpie/internal/config"
	"magpie/internal/controller"
	"magpie/internal/fieldstate"
	"magpie/internal/pipeline"
	"magpie/internal/research"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage research runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newRunStartCommand(ctx))
	cmd.AddCommand(newRunPauseCommand(ctx))
	cmd.AddCommand(newRunResumeCommand(ctx))
	cmd.AddCommand(newRunStopCommand(ctx))
	cmd.AddCommand(newRunStatusCommand(ctx))
	cmd.AddCommand(newRunListCommand(ctx))
	return cmd
}

func newRunStartCommand(ctx *commandContext) *cobra.Command {
	var (
		runType string
		mode    string
		fields  []string
	)
	cmd := &cobra.Command{
		Use:   "start <item-id>",
		Short: "Start a research run for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := parseSeedFields(fields)
			if err != nil {
				return err
			}
			parsedMode := research.ModeBalanced
			if mode != "" {
				var ok bool
				parsedMode, ok = research.ParseMode(mode)
				if !ok {
					return fmt.Errorf("unknown mode %q (fast, balanced, thorough)", mode)
				}
			}
			return ctx.withController(func(cfg *config.Config, store *research.Store, ctrl *controller.Controller) error {
				run, err := ctrl.Start(cmd.Context(), controller.StartRequest{
					ItemID:  args[0],
					RunType: research.RunType(runType),
					Mode:    parsedMode,
					Seeds:   seeds,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s created for item %s (%s, %s mode)\n",
					run.ID, run.ItemID, run.RunType, run.Mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runType, "type", string(research.RunTypeInitial), "Run type: initial, re_research, or targeted")
	cmd.Flags().StringVar(&mode, "mode", "", "Research mode: fast, balanced, or thorough")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Seed field as name=value (user provided, never overwritten)")
	return cmd
}

// parseSeedFields turns name=value flags into user_provided field states.
func parseSeedFields(pairs []string) (map[string]fieldstate.State, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	seeds := make(map[string]fieldstate.State, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !found || name == "" {
			return nil, fmt.Errorf("invalid --field %q, expected name=value", pair)
		}
		seeds[name] = fieldstate.State{
			Name:       name,
			Value:      strings.TrimSpace(value),
			Confidence: 1.0,
			Source:     fieldstate.SourceUserProvided,
			Status:     fieldstate.StatusConfirmed,
			UpdatedAt:  time.Now().UTC(),
		}
	}
	return seeds, nil
}

func newRunPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause a running research run at its next node boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withController(func(cfg *config.Config, store *research.Store, ctrl *controller.Controller) error {
				if err := ctrl.RequestPause(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pause requested for run %s\n", args[0])
				return nil
			})
		},
	}
}

func newRunResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or errored run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withController(func(cfg *config.Config, store *research.Store, ctrl *controller.Controller) error {
				if err := ctrl.Resume(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s requeued; a worker will continue it\n", args[0])
				return nil
			})
		},
	}
}

func newRunStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withController(func(cfg *config.Config, store *research.Store, ctrl *controller.Controller) error {
				if err := ctrl.Stop(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s stopped\n", args[0])
				return nil
			})
		},
	}
}

func newRunStatusCommand(ctx *commandContext) *cobra.Command {
	var showSteps bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status, field states, and step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *research.Store) error {
				run, err := store.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderRunSummary(run))
				if len(run.FieldStates) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderFieldStates(run.FieldStates))
				}
				if showSteps && len(run.StepHistory) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderStepHistory(run.StepHistory))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showSteps, "steps", false, "Include the step history")
	return cmd
}

func newRunListCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List research runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []research.Status
			for _, raw := range statusFilters {
				status, ok := research.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}
			return ctx.withStore(func(cfg *config.Config, store *research.Store) error {
				runs, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						run.ID,
						run.ItemID,
						string(run.Status),
						pipeline.NodeLabel(run.CurrentNode),
						fmt.Sprintf("%d/%d", run.StepCount, run.Constraints.RetryBudget),
						fmt.Sprintf("%.2f", run.CompletionScore),
						run.CreatedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Run", "Item", "Status", "Node", "Steps", "Score", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statusFilters, "status", nil, "Filter by status (repeatable)")
	return cmd
}
