package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"magpie/internal/calibration"
	"magpie/internal/config"
)

func newOutcomesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "Record and inspect verified tool outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newOutcomesRecordCommand(ctx))
	cmd.AddCommand(newOutcomesListCommand(ctx))
	cmd.AddCommand(newOutcomesMetricsCommand(ctx))
	return cmd
}

func newOutcomesRecordCommand(ctx *commandContext) *cobra.Command {
	var (
		itemID     string
		tool       string
		family     string
		field      string
		confidence float64
		correct    bool
		magnitude  float64
	)
	cmd := &cobra.Command{
		Use:   "record <run-id>",
		Short: "Record a verified outcome for a tool prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				id, err := store.RecordOutcome(cmd.Context(), calibration.Outcome{
					RunID:               args[0],
					ItemID:              itemID,
					Tool:                tool,
					Family:              family,
					FieldName:           field,
					PredictedConfidence: confidence,
					Correct:             correct,
					ErrorMagnitude:      magnitude,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Outcome %d recorded for run %s\n", id, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "Item the run researched")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool that made the prediction")
	cmd.Flags().StringVar(&family, "family", "", "Tool family: vision, search, pricing, or lookup")
	cmd.Flags().StringVar(&field, "field", "", "Field the prediction targeted")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "Confidence the tool stated")
	cmd.Flags().BoolVar(&correct, "correct", false, "Whether the prediction was verified correct")
	cmd.Flags().Float64Var(&magnitude, "error-magnitude", 0, "Relative error for numeric predictions")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("tool")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func newOutcomesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List outcomes recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				outcomes, err := store.OutcomesForRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(outcomes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No outcomes recorded")
					return nil
				}
				rows := make([][]string, 0, len(outcomes))
				for _, o := range outcomes {
					verdict := "incorrect"
					if o.Correct {
						verdict = "correct"
					}
					rows = append(rows, []string{
						o.Tool,
						o.Family,
						orDash(o.FieldName),
						fmt.Sprintf("%.2f", o.PredictedConfidence),
						verdict,
						o.RecordedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Tool", "Family", "Field", "Confidence", "Verdict", "Recorded"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newOutcomesMetricsCommand(ctx *commandContext) *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show per-family effectiveness metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				days := windowDays
				if days <= 0 {
					days = cfg.Calibration.WindowDays
				}
				since := timeNow().AddDate(0, 0, -days)
				metrics, err := store.MetricsSince(cmd.Context(), since)
				if err != nil {
					return err
				}
				if len(metrics) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No outcomes in window")
					return nil
				}
				rows := make([][]string, 0, len(metrics))
				for _, m := range metrics {
					rows = append(rows, []string{
						m.Family,
						fmt.Sprintf("%d", m.Samples),
						fmt.Sprintf("%.2f", m.Accuracy),
						fmt.Sprintf("%.2f", m.AvgConfidence),
						fmt.Sprintf("%+.2f", m.CalibrationGap),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Family", "Samples", "Accuracy", "Avg Confidence", "Gap"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window", 0, "Window in days (defaults to the configured calibration window)")
	return cmd
}
