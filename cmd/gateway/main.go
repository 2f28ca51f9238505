// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"libranexus/internal/config"
	"libranexus/internal/gateway"
	"libranexus/internal/httpx"
	"libranexus/internal/logging"
)

func main() {
	cfg, err := config.Load[config.Gateway]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := httpx.NewRouter(log, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst))
	if err := gateway.Mount(router, *cfg, log); err != nil {
		log.Fatal().Err(err).Msg("invalid gateway routes")
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("gateway started")
	if err := httpx.Serve(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}
