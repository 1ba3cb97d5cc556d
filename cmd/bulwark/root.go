package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bulwark",
	Short: "Bulwark runs workflows under retries, circuit breakers and recovery",
	Long: `Bulwark executes workflow steps inside isolated containers, retries and
circuit-breaks failures, keeps snapshots and recovery points, and recovers
failed workflows in the background.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file (default: $BULWARK_CONFIG or ~/.bulwark/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log_level: debug, info, warn, error")
}
