// Command sweep runs every periodic job once and exits. It is meant for a
// cron trigger when the server runs with JOBS_ENABLED=false.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesio-ai/be-pm-approvals/internal/app"
	"github.com/pesio-ai/be-pm-approvals/internal/config"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-sweep",
		Version:     cfg.Service.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}

	if err := a.Runner.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Sweep finished with errors")
		a.Close()
		os.Exit(1)
	}
	a.Close()
	log.Info().Msg("Sweep complete")
}
