// cmd/notification/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"libranexus/internal/broker"
	"libranexus/internal/config"
	"libranexus/internal/consumer"
	"libranexus/internal/events"
	"libranexus/internal/httpx"
	"libranexus/internal/logging"
	"libranexus/internal/notification"
	"libranexus/internal/postgres"
	"libranexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load[config.Consumer]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "notification: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, notification.Name)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("notification service stopped")
	}
}

func run(cfg *config.Consumer, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracerProvider(ctx, notification.Name, cfg.OTLPEndpoint)
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
		return fmt.Errorf("connect notification database: %w", err)
	}
	defer pool.Close()

	store := notification.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var cache consumer.SeenCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cache = consumer.NewRedisSeenCache(rdb, cfg.SeenTTL)
	}

	bus, err := broker.Open(cfg.Broker, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	runner := consumer.NewRunner(notification.NewProjection(store, log), cache, log)
	sub := broker.Subscription{
		Queue:         cfg.Queue,
		Bindings:      []string{events.TypeLoanCreated, events.TypeLoanReturned},
		MaxDeliveries: cfg.MaxDeliveries,
		Prefetch:      cfg.Prefetch,
	}

	router := httpx.NewRouter(log, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst))
	notification.NewHandler(store).Routes(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(ctx, srv) })
	g.Go(func() error { return runner.Run(ctx, bus, sub) })

	log.Info().Str("addr", cfg.HTTPAddr).Str("queue", sub.Queue).Bool("seen_cache", cache != nil).Msg("notification service started")
	return g.Wait()
}
