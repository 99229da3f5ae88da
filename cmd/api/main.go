package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invitely-backend/api/routes"
	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/db"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/instance"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/metrics"
	"github.com/angelmondragon/invitely-backend/pkg/migrate"
	"github.com/angelmondragon/invitely-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	staging, err := media.NewStaging(cfg.Media.StagingDir)
	if err != nil {
		logg.Error(context.Background(), "failed to prepare staging directory", err)
		os.Exit(1)
	}
	gateway, err := newGateway(cfg, logg, dbClient, redisClient, staging)
	if err != nil {
		logg.Error(context.Background(), "failed to create media gateway", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, dbClient, redisClient, gateway, staging),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server stopped")
}

func newGateway(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, staging *media.Staging) (*media.Gateway, error) {
	fields, err := media.NewStatusStore(dbClient.DB())
	if err != nil {
		return nil, err
	}
	opened, err := media.OpenQueues(redisClient.Raw())
	if err != nil {
		return nil, err
	}
	queues := make(map[enums.MediaKind]media.JobEnqueuer, len(opened))
	for kind, q := range opened {
		queues[kind] = q
	}
	return media.NewGateway(media.GatewayParams{
		Logger:           logg,
		Records:          media.NewRecordRepository(dbClient.DB()),
		Fields:           fields,
		Staging:          staging,
		Queues:           queues,
		Orphans:          media.NewOrphanRepository(dbClient.DB()),
		Metrics:          metrics.NewMediaJobMetrics(prometheus.DefaultRegisterer),
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Backoff:          cfg.Queue.Backoff,
		RemoveOnComplete: cfg.Queue.RemoveOnComplete,
		ErrorMaxLength:   cfg.Media.ErrorMaxLength,
	})
}
