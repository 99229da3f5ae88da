package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger      *logger.Logger
	DB          pinger
	Redis       pinger
	Objects     pinger
	PubSub      pinger
	Consumers   map[string]runner
	MetricsAddr string
	Gatherer    prometheus.Gatherer
}

// Service supervises the queue consumers and the metrics endpoint.
type Service struct {
	logg        *logger.Logger
	deps        []namedPinger
	consumers   map[string]runner
	metricsAddr string
	gatherer    prometheus.Gatherer
}

type namedPinger struct {
	name string
	p    pinger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if len(params.Consumers) == 0 {
		return nil, errors.New("at least one consumer is required")
	}
	deps := []namedPinger{
		{name: "database", p: params.DB},
		{name: "redis", p: params.Redis},
		{name: "object storage", p: params.Objects},
	}
	if params.PubSub != nil {
		deps = append(deps, namedPinger{name: "pubsub", p: params.PubSub})
	}
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{
		logg:        params.Logger,
		deps:        deps,
		consumers:   params.Consumers,
		metricsAddr: params.MetricsAddr,
		gatherer:    gatherer,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := dep.p.Ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", dep.name), err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

// Run blocks until ctx is canceled or a consumer stops with an error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range s.consumers {
		name, c := name, c
		g.Go(func() error {
			err := c.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %s: %w", name, err)
			}
			return nil
		})
	}
	if s.metricsAddr != "" {
		server := &http.Server{Addr: s.metricsAddr, Handler: s.metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logg.Info(s.logg.WithField(gctx, "addr", s.metricsAddr), "metrics server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if err != nil {
		s.logg.Error(ctx, "worker stopped unexpectedly", err)
		return err
	}
	s.logg.Info(ctx, "worker context canceled")
	return ctx.Err()
}

func (s *Service) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}
