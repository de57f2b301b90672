package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the perprun CLI.
var rootCmd = &cobra.Command{
	Use:   "perprun",
	Short: "Bybit perpetuals funding watchlist and turbo execution engine",
	Long: `perprun maintains a ranked watchlist of Bybit perpetual contracts by
funding rate, streams live market data for the active set, and optionally
runs short-lived turbo trades around funding settlement.

Examples:
  perprun run                     # continuous engine with live streams
  perprun run --config prod.yaml  # custom configuration file
  perprun scan                    # one refresh cycle, print the table, exit`,
}

var (
	cfgPath string
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
