// Command backupctl drives one-shot and long-running operations over
// the backup, verification, and license-cache subsystem: ad hoc backup
// runs, verification, restoration, retention, license sync/validation,
// and the scheduler-driven server process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"

	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "backupctl",
	Short:   "Operate the backup, verification, and license-cache subsystem",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console text")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
}
