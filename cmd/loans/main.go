// cmd/loans/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"libranexus/internal/broker"
	"libranexus/internal/clients"
	"libranexus/internal/config"
	"libranexus/internal/httpx"
	"libranexus/internal/loans"
	"libranexus/internal/logging"
	"libranexus/internal/outbox"
	"libranexus/internal/postgres"
	"libranexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load[config.Loans]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loans: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "loans")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("loans service stopped")
	}
}

func run(cfg *config.Loans, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracerProvider(ctx, "loans", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open loans database: %w", err)
	}
	defer db.Close()

	store := outbox.NewPostgresStore(db)
	repo := loans.NewPostgresRepository(db, store)
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	catalog := clients.NewCatalogClient(clients.CatalogConfig{
		BaseURL:         cfg.Catalog.URL,
		Timeout:         cfg.Catalog.Timeout,
		MaxRetries:      cfg.Catalog.MaxRetries,
		InitialBackoff:  cfg.Catalog.InitialBackoff,
		MaxBackoff:      cfg.Catalog.MaxBackoff,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, log)
	svc := loans.NewService(repo, catalog, loans.Options{LoanPeriod: cfg.LoanPeriod}, log)

	router := httpx.NewRouter(log, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst))
	loans.NewHandler(svc).Routes(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(ctx, srv) })

	if cfg.Dispatcher.Enabled {
		pub, err := broker.Open(cfg.Broker, log)
		if err != nil {
			return err
		}
		defer pub.Close()

		dispatcher := outbox.NewDispatcher(store, pub, outbox.DispatcherConfig{
			PollInterval:   cfg.PollInterval,
			BatchSize:      cfg.BatchSize,
			Lease:          cfg.Lease,
			InitialBackoff: cfg.Dispatcher.InitialBackoff,
			MaxBackoff:     cfg.Dispatcher.MaxBackoff,
		}, log)
		g.Go(func() error { return dispatcher.Run(ctx) })
	}

	log.Info().Str("addr", cfg.HTTPAddr).Bool("dispatcher", cfg.Dispatcher.Enabled).Msg("loans service started")
	return g.Wait()
}
