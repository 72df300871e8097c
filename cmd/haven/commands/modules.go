package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Manage service modules",
		Long: `List, enable and disable Haven service modules.

Enabling a module persists it to the enabled set and deploys its
services immediately. Disabling removes it from the set and tears its
containers down; volumes and configuration stay on disk so a later
re-enable picks up where the module left off.`,
	}

	cmd.AddCommand(newModulesListCommand())
	cmd.AddCommand(newModulesEnableCommand())
	cmd.AddCommand(newModulesDisableCommand())
	return cmd
}

func newModulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all discovered modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			statuses, err := a.manager.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(statuses)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCATEGORY\tRAM\tENABLED")
			for _, s := range statuses {
				state := "no"
				if s.Enabled {
					state = "yes"
				}
				if s.Missing {
					state = "yes (descriptor missing)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Title, s.Category, s.RAM, state)
			}
			return w.Flush()
		},
	}
}

func newModulesEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <module>",
		Short: "Enable a module and deploy its services",
		Args:  cobra.ExactArgs(1),
		Example: `  # Enable the privacy module
  haven modules enable privacy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			id := args[0]
			if err := a.manager.Enable(ctx, id); err != nil {
				return err
			}
			log.Info().Str("module", id).Msg("Module enabled")
			return nil
		},
	}
}

func newModulesDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <module>",
		Short: "Disable a module and tear down its containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			id := args[0]
			report, err := a.manager.Disable(ctx, id)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			log.Info().Str("module", id).Int("torn_down", len(report.TornDown)).Msg("Module disabled")
			for name, reason := range report.Failed {
				log.Warn().Str("container", name).Str("reason", reason).Msg("Container teardown failed")
			}
			return nil
		},
	}
}
