// cmd/catalog/main.go
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
	"golang.org/x/time/rate"

	"libranexus/internal/catalog"
	"libranexus/internal/config"
	"libranexus/internal/httpx"
	"libranexus/internal/logging"
	"libranexus/internal/postgres"
	"libranexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load[config.CatalogService]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "catalog")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("catalog service stopped")
	}
}

func run(cfg *config.CatalogService, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracerProvider(ctx, "catalog", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect catalog database: %w", err)
	}
	defer pool.Close()

	store := catalog.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	svc := catalog.NewService(store, catalog.Options{
		MaxAttempts: cfg.LedgerMaxAttempts,
		BaseDelay:   cfg.LedgerBaseDelay,
	}, log)

	router := httpx.NewRouter(log, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst))
	catalog.NewHandler(svc).Routes(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("catalog service started")
	return httpx.Serve(ctx, srv)
}
