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

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/db"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/instance"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/metrics"
	"github.com/angelmondragon/invitely-backend/pkg/migrate"
	"github.com/angelmondragon/invitely-backend/pkg/pubsub"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
	"github.com/angelmondragon/invitely-backend/pkg/redis"
	"github.com/angelmondragon/invitely-backend/pkg/storage"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "media-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "media-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	objects, err := storage.Open(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap object storage", err)
		os.Exit(1)
	}

	params := ServiceParams{
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Objects:     objects,
		MetricsAddr: ":" + cfg.App.MetricsPort,
	}

	var notifier media.Notifier = media.NoopNotifier{}
	if cfg.PubSub.Enabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		n, err := media.NewPubSubNotifier(psClient, logg)
		if err != nil {
			logg.Error(ctx, "failed to create status notifier", err)
			os.Exit(1)
		}
		notifier = n
		params.PubSub = psClient
	}

	consumers, err := buildConsumers(cfg, logg, dbClient, redisClient, objects, notifier)
	if err != nil {
		logg.Error(ctx, "failed to create media consumers", err)
		os.Exit(1)
	}
	params.Consumers = consumers

	service, err := NewService(params)
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting media worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func buildConsumers(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	objects *storage.Store,
	notifier media.Notifier,
) (map[string]runner, error) {
	fields, err := media.NewStatusStore(dbClient.DB())
	if err != nil {
		return nil, err
	}
	staging, err := media.NewStaging(cfg.Media.StagingDir)
	if err != nil {
		return nil, err
	}

	processor, err := media.NewProcessor(media.ProcessorParams{
		Logger:   logg,
		Fields:   fields,
		Objects:  objects,
		Staging:  staging,
		Orphans:  media.NewOrphanRepository(dbClient.DB()),
		Notifier: notifier,
		Transformers: map[enums.MediaKind]media.Transformer{
			enums.MediaKindEventPhoto: media.JPEGTransformer{Quality: cfg.Media.ImageQuality},
			enums.MediaKindThemeAsset: media.PassthroughTransformer{},
		},
		StatusWriteRetries: cfg.Media.StatusWriteRetries,
		StatusWriteDelay:   cfg.Media.StatusWriteDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}

	deadLetter, err := media.NewDeadLetter(media.DeadLetterParams{
		Logger:         logg,
		Store:          media.NewDeadLetterRepository(dbClient.DB()),
		Fields:         fields,
		Staging:        staging,
		Notifier:       notifier,
		ErrorMaxLength: cfg.Media.ErrorMaxLength,
	})
	if err != nil {
		return nil, fmt.Errorf("dead letter: %w", err)
	}

	queues, err := media.OpenQueues(redisClient.Raw())
	if err != nil {
		return nil, err
	}
	jobMetrics := metrics.NewMediaJobMetrics(prometheus.DefaultRegisterer)
	consumerName := cfg.Queue.ConsumerName
	if consumerName == "" {
		consumerName = instance.GetID()
	}

	out := make(map[string]runner, len(queues))
	for _, q := range queues {
		c, err := queue.NewConsumer(queue.ConsumerParams{
			Queue:             q,
			Logger:            logg,
			Handler:           processor.Handle,
			OnFailed:          deadLetter.Hook(),
			Metrics:           jobMetrics,
			Concurrency:       cfg.Queue.Concurrency,
			Consumer:          consumerName,
			Block:             cfg.Queue.BlockTimeout,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PromoteInterval:   cfg.Queue.PromoteInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", q.Name(), err)
		}
		out[q.Name()] = c
	}
	return out, nil
}
