package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"magpie/internal/calibration"
	"magpie/internal/config"
)

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

func newCalibrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Manage calibration versions and anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCalibrateNowCommand(ctx))
	cmd.AddCommand(newCalibrateHistoryCommand(ctx))
	cmd.AddCommand(newCalibrateAnomaliesCommand(ctx))
	cmd.AddCommand(newCalibrateResolveCommand(ctx))
	return cmd
}

func newCalibrateNowCommand(ctx *commandContext) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "now",
		Short: "Issue new calibration versions from recent outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				calibrator := calibration.NewCalibrator(store, calibration.CalibratorOptions{
					WindowDays: cfg.Calibration.WindowDays,
					MinSamples: cfg.Calibration.MinSamples,
				})
				issued, err := calibrator.Recalibrate(cmd.Context(), note)
				if err != nil {
					return err
				}
				if len(issued) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No family had enough samples to recalibrate")
					return nil
				}
				for _, cal := range issued {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: v%d multiplier %.2f (%d samples)\n",
						cal.Family, cal.Version, cal.Multiplier, cal.SampleCount)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Note attached to the issued versions")
	return cmd
}

func newCalibrateHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <family>",
		Short: "Show every calibration version issued for a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				history, err := store.CalibrationHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(history) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No calibrations issued")
					return nil
				}
				rows := make([][]string, 0, len(history))
				for _, cal := range history {
					active := ""
					if cal.Active {
						active = "yes"
					}
					rows = append(rows, []string{
						fmt.Sprintf("v%d", cal.Version),
						fmt.Sprintf("%.2f", cal.Multiplier),
						fmt.Sprintf("%d", cal.SampleCount),
						active,
						cal.CreatedAt.Local().Format("2006-01-02 15:04"),
						cal.Note,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Version", "Multiplier", "Samples", "Active", "Created", "Note"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newCalibrateAnomaliesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies",
		Short: "List open tool accuracy anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				anomalies, err := store.OpenAnomalies(cmd.Context())
				if err != nil {
					return err
				}
				if len(anomalies) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No open anomalies")
					return nil
				}
				rows := make([][]string, 0, len(anomalies))
				for _, a := range anomalies {
					rows = append(rows, []string{
						fmt.Sprintf("%d", a.ID),
						a.Family,
						string(a.Severity),
						fmt.Sprintf("%.2f", a.ZScore),
						fmt.Sprintf("%.2f -> %.2f", a.BaselineAccuracy, a.WindowAccuracy),
						a.DetectedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Family", "Severity", "Z", "Accuracy", "Detected"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newCalibrateResolveCommand(ctx *commandContext) *cobra.Command {
	var resolvedBy string
	cmd := &cobra.Command{
		Use:   "resolve <anomaly-id>",
		Short: "Mark an anomaly resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid anomaly id %q", args[0])
			}
			return ctx.withCalibration(func(cfg *config.Config, store *calibration.Store) error {
				if err := store.ResolveAnomaly(cmd.Context(), id, resolvedBy); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Anomaly %d resolved\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolvedBy, "by", "", "Who resolved the anomaly")
	return cmd
}
