package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"magpie/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())

	return configCmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Data dir:            %s\n", cfg.Paths.DataDir)
			fmt.Fprintf(out, "Log dir:             %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "Database:            %s\n", cfg.DatabasePath())
			fmt.Fprintf(out, "Workers:             %d\n", cfg.Workflow.Workers)
			fmt.Fprintf(out, "Max attempts:        %d\n", cfg.Pipeline.MaxAttempts)
			fmt.Fprintf(out, "Node timeout:        %ds\n", cfg.Pipeline.NodeTimeoutSeconds)
			fmt.Fprintf(out, "Re-search loops:     %d\n", cfg.Pipeline.ResearchLoopLimit)
			fmt.Fprintf(out, "Required fields:     %s\n", strings.Join(cfg.Publish.RequiredFields, ", "))
			fmt.Fprintf(out, "Completion threshold: %.2f\n", cfg.Publish.CompletionThreshold)
			if cfg.Notifications.NtfyTopic != "" {
				fmt.Fprintf(out, "Notifications:       %s\n", cfg.Notifications.NtfyTopic)
			} else {
				fmt.Fprintln(out, "Notifications:       disabled")
			}
			if len(cfg.Tools) > 0 {
				fmt.Fprintln(out, "Tool commands:")
				for name, command := range cfg.Tools {
					fmt.Fprintf(out, "  %s = %s\n", name, command)
				}
			}
			return nil
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}
