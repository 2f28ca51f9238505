// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libranexus/internal/chaos"
	"libranexus/internal/config"
	"libranexus/internal/logging"
	"libranexus/internal/outbox"
	"libranexus/internal/postgres"
	"libranexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load[config.Chaos]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaos: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "chaos")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracerProvider(ctx, "chaos", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdown(context.Background()) }()

	// The outbox backlog is read straight from the loans database.
	var backlog chaos.Backlog
	if db, err := postgres.Open(ctx, cfg.LoansDatabaseURL); err != nil {
		log.Warn().Err(err).Msg("loans database unreachable, skipping outbox-drain")
	} else {
		defer db.Close()
		backlog = outbox.NewPostgresStore(db)
	}

	engine := chaos.NewEngine(log)
	engine.RegisterStandard(chaos.NewTarget(cfg.LoansURL, cfg.CatalogURL, 5*time.Second), backlog, chaos.Options{
		Concurrency: cfg.Concurrency,
		Window:      cfg.ObservationWindow,
	})

	results, err := engine.RunAll(ctx, 5*time.Second)
	if err != nil {
		log.Error().Err(err).Msg("chaos run interrupted")
	}

	failed := 0
	for _, r := range results {
		if !r.HypothesisHeld {
			failed++
		}
	}
	log.Info().Int("experiments", len(results)).Int("failed", failed).Msg("chaos run finished")
	if failed > 0 || err != nil {
		os.Exit(1)
	}
}
