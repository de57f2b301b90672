package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/perprun/perprun/internal/app"
	"github.com/perprun/perprun/internal/config"
)

// runCmd starts the continuous engine: watchlist refresh, live streams,
// ops endpoint and, when enabled, the turbo controller.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.New(cfg).Run(ctx)
}

// setup loads environment, configures logging and reads the config file.
// Shared by every subcommand.
func setup() (*config.Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose || cfg.DebugLogs {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return cfg, nil
}
