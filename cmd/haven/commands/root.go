package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "haven",
		Short: "Haven - Self-hosted module control plane",
		Long: `Haven manages a catalog of self-hosted service modules on a single
machine: discovering them from their compose descriptors, toggling them
on and off, deriving the editable configuration surface, mediating
container access, and backing the whole installation up.

Features:
  - Module discovery from compose files with x-haven metadata
  - Enable/disable lifecycle with synchronous deployment
  - Derived config schema with a strict write allowlist
  - Prefix-gated container gateway with stats and log streaming
  - Encrypted backups (scrypt + AES-256-GCM)
  - Audit log of every control-plane action`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newModulesCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newContainersCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
