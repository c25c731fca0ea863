// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/auth"
	"github.com/briangreenhill/propertydata/internal/config"
	"github.com/briangreenhill/propertydata/internal/http/routes"
	"github.com/briangreenhill/propertydata/internal/providers"
	"github.com/briangreenhill/propertydata/internal/store"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "api").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("open cache store")
	}
	mgr := cache.NewManager(st,
		cache.WithOptions(cfg.CacheOptions()),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	)
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Error().Err(err).Msg("close cache")
		}
	}()
	if err := mgr.StartCleanup(); err != nil {
		logger.Fatal().Err(err).Msg("start cache cleanup")
	}

	// Upstreams
	sources, err := providers.Setup(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("provider setup")
	}

	opts := routes.ServerOptions{
		Cache:   mgr,
		Sources: sources,
		Log:     logger,
	}

	// Admin API and warm jobs
	if cfg.HasAdmin() {
		opts.Authz = auth.AdminToken{Secret: []byte(cfg.AdminSecret)}
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		opts.Tasks = client
	} else {
		logger.Warn().Msg("ADMIN_SECRET not set, admin API disabled")
	}

	s := routes.New(opts)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store).
			Interface("providers", sources.List()).
			Msg("starting api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
