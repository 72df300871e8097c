package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and manage backups",
		Long: `Back up the Haven installation: the enabled-module set, the secret
file and every enabled module's configuration directory. Service data
volumes are excluded.

With a backup passphrase configured, archives are sealed with
AES-256-GCM; without one they are written as plain tar.gz files.`,
	}

	cmd.AddCommand(newBackupCreateCommand())
	cmd.AddCommand(newBackupListCommand())
	cmd.AddCommand(newBackupDecryptCommand())
	cmd.AddCommand(newBackupPruneCommand())
	return cmd
}

func newBackupCreateCommand() *cobra.Command {
	var noEncrypt bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new backup",
		Example: `  # Create a backup, sealed if a passphrase is configured
  haven backup create

  # Force a plaintext archive
  haven backup create --no-encrypt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			archive, err := a.engine.Create(ctx, !noEncrypt)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(archive)
			}
			log.Info().
				Str("name", archive.Name).
				Int64("size", archive.Size).
				Bool("encrypted", archive.Encrypted).
				Msg("Backup created")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noEncrypt, "no-encrypt", false, "skip encryption even with a passphrase configured")
	return cmd
}

func newBackupListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			archives, err := a.engine.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(archives)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tENCRYPTED")
			for _, archive := range archives {
				enc := "no"
				if archive.Encrypted {
					enc = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", archive.Name, archive.CreatedAt.Format("2006-01-02 15:04:05"), archive.Size, enc)
			}
			return w.Flush()
		},
	}
}

func newBackupDecryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <name>",
		Short: "Decrypt an archive to a temporary file",
		Long: `Decrypt an encrypted backup archive into a temporary plaintext file
and print its path. The file is deleted again after ten minutes,
whether or not it was copied away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			path, err := a.engine.Decrypt(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func newBackupPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest backups beyond a retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			removed, err := a.engine.Prune(ctx, keep)
			if err != nil {
				return err
			}
			log.Info().Int("removed", removed).Int("keep", keep).Msg("Backups pruned")
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 5, "number of newest backups to keep")
	return cmd
}
