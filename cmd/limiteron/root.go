package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "limiteron",
	Short: "Limiteron - flow-control decision engine",
	Long: `Limiteron is a flow-control decision engine for request admission.

It evaluates each request against a configurable chain of checks:
  - Ban list with offense escalation and manual overrides
  - Rate limiting (token bucket, fixed window, sliding window)
  - Long-window quota accounting with overdraft and alerts
  - Circuit breaking driven by downstream outcomes

For more information, visit: https://github.com/Kirky-X/limiteron`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
