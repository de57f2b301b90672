package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/perprun/perprun/internal/app"
)

var scanTimeout time.Duration

// scanCmd performs a single refresh cycle and prints the ranked table.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one watchlist refresh and exit",
	Long: `Fetch funding rates, apply the filter pipeline, rank the survivors and
log the resulting table. No streams are opened and no orders are placed.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 60*time.Second, "Overall timeout for the scan")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()
	return app.New(cfg).Scan(ctx)
}
