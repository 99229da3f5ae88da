package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/db"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/redis"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &liveBackends{}
	defer b.Close()

	if err := newRootCmd(b).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		b.Close()
		os.Exit(1)
	}
}

// liveBackends dials redis and the database on first use.
type liveBackends struct {
	cfg   *config.Config
	logg  *logger.Logger
	redis *redis.Client
	db    *db.Client
}

func (b *liveBackends) init() error {
	if b.cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	b.cfg = cfg
	// operator output goes to stdout; only warnings and errors are logged
	b.logg = logger.New(logger.Options{
		ServiceName: "jobctl",
		Level:       logger.ParseLevel("warn"),
		Format:      logger.FormatConsole,
		Output:      os.Stderr,
	})
	return nil
}

func (b *liveBackends) Queue(ctx context.Context, name string) (queueInspector, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		client, err := redis.New(ctx, b.cfg.Redis, b.logg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.redis = client
	}
	queues, err := media.OpenQueues(b.redis.Raw())
	if err != nil {
		return nil, err
	}
	q, err := media.QueueByName(queues, name)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (b *liveBackends) DeadLetters(ctx context.Context) (deadLetterReader, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if b.db == nil {
		client, err := db.New(ctx, b.cfg.DB, b.logg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.db = client
	}
	return media.NewDeadLetterRepository(b.db.DB()), nil
}

func (b *liveBackends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
		b.redis = nil
	}
	if b.db != nil {
		_ = b.db.Close()
		b.db = nil
	}
}
