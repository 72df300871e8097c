package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newContainersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "containers",
		Aliases: []string{"ps"},
		Short:   "Inspect and control managed containers",
		Long: `Work with the containers Haven manages. Only containers carrying the
managed name prefix are visible; everything else on the host is out of
scope for this command, by name and by id.`,
	}

	cmd.AddCommand(newContainersListCommand())
	cmd.AddCommand(newContainersStatsCommand())
	cmd.AddCommand(newContainersStartCommand())
	cmd.AddCommand(newContainersStopCommand())
	cmd.AddCommand(newContainersRestartCommand())
	cmd.AddCommand(newContainersLogsCommand())
	return cmd
}

func newContainersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			list, err := a.gateway.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(list)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODULE\tSTATE\tSTATUS")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Module, c.State, c.Status)
			}
			return w.Flush()
		},
	}
}

func newContainersStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <container>",
		Short: "Show a one-shot resource usage sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			stats, err := a.gateway.Stats(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stats)
			}
			fmt.Printf("%s: cpu %.2f%%  mem %.2f%% (%d / %d bytes)\n",
				stats.Name, stats.CPUPercent, stats.MemPercent, stats.MemUsage, stats.MemLimit)
			return nil
		},
	}
}

func newContainersStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <container>",
		Short: "Start a managed container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.gateway.Start(ctx, args[0]); err != nil {
				return err
			}
			log.Info().Str("container", args[0]).Msg("Container started")
			return nil
		},
	}
}

func newContainersStopCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <container>",
		Short: "Stop a managed container",
		Long: `Stop a managed container. Containers a module declares as critical
require --force: stopping them typically takes the whole module down.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			name, err := a.gateway.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if !force {
				critical, err := isCriticalContainer(ctx, a, name)
				if err != nil {
					return err
				}
				if critical {
					return fmt.Errorf("%s is a critical service container, use --force to stop it", name)
				}
			}

			if err := a.gateway.Stop(ctx, name); err != nil {
				return err
			}
			log.Info().Str("container", name).Msg("Container stopped")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "stop the container even if it is declared critical")
	return cmd
}

func newContainersRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <container>",
		Short: "Restart a managed container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.gateway.Restart(ctx, args[0]); err != nil {
				return err
			}
			log.Info().Str("container", args[0]).Msg("Container restarted")
			return nil
		},
	}
}

func newContainersLogsCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <container>",
		Short: "Follow a managed container's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			rc, err := a.gateway.StreamLogs(ctx, args[0], tail)
			if err != nil {
				return err
			}
			defer rc.Close()

			scanner := bufio.NewScanner(rc)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				fmt.Println(scanner.Text())
			}
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 100, "number of historical lines to include")
	return cmd
}

// isCriticalContainer checks whether any module descriptor flags the
// container as critical.
func isCriticalContainer(ctx context.Context, a *app, name string) (bool, error) {
	descriptors, _, err := a.registry.Discover(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range descriptors {
		if d.IsCritical(name) {
			return true, nil
		}
	}
	return false, nil
}
