package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"magpie/internal/activity"
	"magpie/internal/config"
	"magpie/internal/research"
)

func newActivityCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		byItem bool
	)
	cmd := &cobra.Command{
		Use:   "activity <run-id|item-id>",
		Short: "Show the activity log for a run or item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *research.Store) error {
				var (
					entries []activity.Entry
					err     error
				)
				if byItem {
					entries, err = store.ActivityForItem(cmd.Context(), args[0], time.Time{}, limit)
				} else {
					entries, err = store.ActivityForRun(cmd.Context(), args[0], time.Time{}, limit)
				}
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No activity recorded")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						entry.Timestamp.Local().Format("15:04:05"),
						string(entry.Type),
						entry.Title,
						string(entry.Status),
						entry.Message,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Time", "Type", "Title", "Status", "Message"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&byItem, "item", false, "Treat the argument as an item id spanning all its runs")
	return cmd
}
