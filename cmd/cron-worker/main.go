package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invitely-backend/internal/cron"
	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/db"
	"github.com/angelmondragon/invitely-backend/pkg/instance"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/metrics"
	"github.com/angelmondragon/invitely-backend/pkg/migrate"
	"github.com/angelmondragon/invitely-backend/pkg/redis"
	"github.com/angelmondragon/invitely-backend/pkg/storage"
)

const lockName = "cron-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	objects, err := storage.Open(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap object storage", err)
		os.Exit(1)
	}

	fields, err := media.NewStatusStore(dbClient.DB())
	requireResource(logg, "status store", err)
	staging, err := media.NewStaging(cfg.Media.StagingDir)
	requireResource(logg, "staging", err)
	orphans := media.NewOrphanRepository(dbClient.DB())

	registry, err := buildRegistry(cfg, logg, fields, objects, orphans, staging)
	requireResource(logg, "cron registry", err)

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName), cfg.Sweeper.LockTTL)
	requireResource(logg, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Sweeper.Interval,
	})
	requireResource(logg, "cron service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(
	cfg *config.Config,
	logg *logger.Logger,
	fields *media.StatusStore,
	objects *storage.Store,
	orphans *media.OrphanRepository,
	staging *media.Staging,
) (*cron.Registry, error) {
	previous, err := cron.NewPreviousKeyCleanupJob(cron.PreviousKeyCleanupJobParams{
		Logger:    logg,
		Fields:    fields,
		Objects:   objects,
		Orphans:   orphans,
		BatchSize: cfg.Sweeper.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("previous key cleanup job: %w", err)
	}
	orphaned, err := cron.NewOrphanCleanupJob(cron.OrphanCleanupJobParams{
		Logger:    logg,
		Fields:    fields,
		Objects:   objects,
		Orphans:   orphans,
		BatchSize: cfg.Sweeper.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("orphan cleanup job: %w", err)
	}
	sweep, err := cron.NewStagingSweepJob(cron.StagingSweepJobParams{
		Logger:    logg,
		Fields:    fields,
		Staging:   staging,
		Retention: cfg.Sweeper.StagingRetention,
		BatchSize: cfg.Sweeper.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("staging sweep job: %w", err)
	}
	return cron.NewRegistry(previous, orphaned, sweep), nil
}

func requireResource(logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), fmt.Sprintf("failed to create %s", resource), err)
	os.Exit(1)
}
