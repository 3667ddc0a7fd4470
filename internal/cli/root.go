// Package cli wires the agx commands together.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agx",
	Short: "Iterative agent runner for long-lived tasks",
	Long: `agx drives AI engine CLIs through execute/verify iterations until a task
is done, blocked, or failed. Every iteration is persisted under the projects
root, so runs survive crashes and can be inspected after the fact.

'agx run' executes one task in the foreground; 'agx daemon' polls the task
queue and runs claimed tasks concurrently.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ~/.agx/config.json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
