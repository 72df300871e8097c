package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/havenlabs/haven/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the control-plane audit log and event history",
	}

	cmd.AddCommand(newAuditListCommand())
	cmd.AddCommand(newAuditEventsCommand())
	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recorded control-plane actions",
		Example: `  # Most recent fifty actions
  haven audit list

  # Only module enables
  haven audit list --action module.enable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.audit == nil {
				return fmt.Errorf("no audit database configured")
			}

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := a.audit.ListAuditEntries(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tTARGET\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Target, e.Details)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}

func newAuditEventsCommand() *cobra.Command {
	var (
		level   string
		subject string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.audit == nil {
				return fmt.Errorf("no audit database configured")
			}

			var levelFilter *stores.EventLevel
			if level != "" {
				l := stores.EventLevel(level)
				levelFilter = &l
			}
			var subjectFilter *string
			if subject != "" {
				subjectFilter = &subject
			}
			events, err := a.audit.ListEvents(ctx, levelFilter, subjectFilter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tSUBJECT\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Subject, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "filter by level (info, warn, error)")
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}
