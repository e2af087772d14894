package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/t77yq/agent-heartbeat/internal/inventory"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the agent inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).SprintFunc()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s configuration (interval %s, timeout %s, %d retries)\n",
				ok("✓"), cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout, cfg.Heartbeat.RetryAttempts)

			if cfg.Inventory.Path == "" {
				fmt.Fprintln(out, "  no inventory configured")
				return nil
			}
			inv, err := inventory.Load(cfg.Inventory.Path)
			if err != nil {
				return err
			}
			if err := inv.Validate(cfg.Heartbeat); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s inventory %s (%d agents)\n", ok("✓"), cfg.Inventory.Path, len(inv.Agents))
			return nil
		},
	}
}
