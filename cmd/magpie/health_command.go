package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"magpie/internal/config"
	"magpie/internal/research"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarize run counts and database health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *research.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database:  %s\n\n", store.Path())
				rows := [][]string{
					{"pending", fmt.Sprintf("%d", health.Pending)},
					{"running", fmt.Sprintf("%d", health.Running)},
					{"paused", fmt.Sprintf("%d", health.Paused)},
					{"error", fmt.Sprintf("%d", health.Errored)},
					{"cancelled", fmt.Sprintf("%d", health.Cancelled)},
					{"success", fmt.Sprintf("%d", health.Succeeded)},
					{"total", fmt.Sprintf("%d", health.Total)},
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Status", "Runs"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}
