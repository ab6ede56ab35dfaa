// Package cli wires the pullmend command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion records the build version injected via ldflags.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pullmend",
	Short: "pullmend — CI remediation control loop",
	Long: `pullmend observes a pull request's check runs and reviews, classifies
failures, decides whether to retry or halt, executes bounded job reruns,
waits for convergence, and gates merges behind a fail-closed policy.

Policy thresholds come from a versioned lawbook document; every response
echoes its content hash for compliance traceability.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pullmend version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(registryCmd)
}
