package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the shared configuration",
		Long: `Read and write the shared KEY=VALUE configuration file.

Which keys are editable follows the enabled module set: the fixed
system keys are always writable, and each enabled module contributes
its declared env vars. Writes touching any other key are rejected as a
whole.`,
	}

	cmd.AddCommand(newConfigSchemaCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	return cmd
}

func newConfigSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show the editable configuration schema with current values",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			groups, err := a.store.Render(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(groups)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, g := range groups {
				fmt.Fprintf(w, "[%s] %s\n", g.Module, g.Title)
				for _, f := range g.Fields {
					flags := ""
					if f.ReadOnly {
						flags = " (read-only)"
					}
					fmt.Fprintf(w, "  %s\t%s\t%s%s\n", f.Key, f.Type, f.Value, flags)
				}
			}
			return w.Flush()
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print stored configuration values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			values, err := a.store.Read()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				value, ok := values[args[0]]
				if !ok {
					return fmt.Errorf("key %q is not set", args[0])
				}
				fmt.Println(value)
				return nil
			}

			if jsonOutput {
				return printJSON(values)
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s=%s\n", k, values[k])
			}
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY=VALUE [KEY=VALUE...]",
		Short: "Update configuration values",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Set the domain
  haven config set HAVEN_DOMAIN=haven.example.org

  # Several keys at once; all must be editable or nothing is written
  haven config set MEDIA_LIBRARY_PATH=/mnt/tank MEDIA_TRANSCODE=true`,
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make(map[string]string, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("argument %q is not KEY=VALUE", arg)
				}
				updates[key] = value
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.store.Update(ctx, updates); err != nil {
				return err
			}
			log.Info().Int("keys", len(updates)).Msg("Configuration updated")
			return nil
		},
	}
}
