package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/config"
	"github.com/briangreenhill/propertydata/internal/jobs"
	"github.com/briangreenhill/propertydata/internal/providers"
	"github.com/briangreenhill/propertydata/internal/store"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("open cache store")
	}
	// the scheduler below owns cleanup, so the in-process sweeper stays off
	mgr := cache.NewManager(st,
		cache.WithOptions(cfg.CacheOptions()),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	)
	defer func() { _ = mgr.Close() }()

	sources, err := providers.Setup(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("provider setup")
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    4,
		StrictPriority: false,
		Queues: map[string]int{
			"default":             5, // request-driven work
			jobs.QueueMaintenance: 1,
		},
		Logger: asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	h := &jobs.Handlers{
		Manager: mgr,
		Sources: sources,
		Log:     logger.With().Str("component", "jobs").Logger(),
	}
	h.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})
	id, err := jobs.RegisterSchedule(scheduler, cfg.Cache.CleanupCron)
	if err != nil {
		logger.Fatal().Err(err).Msg("register cleanup schedule")
	}
	logger.Info().Str("entry", id).Str("cron", cfg.Cache.CleanupCron).Msg("cleanup scheduled")

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Msg("worker running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	srv.Shutdown()
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
