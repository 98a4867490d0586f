package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/api"
	"github.com/lvonguyen/urlintel/internal/cache"
	"github.com/lvonguyen/urlintel/internal/config"
	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/events"
	"github.com/lvonguyen/urlintel/internal/judge"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/orchestrator"
	"github.com/lvonguyen/urlintel/internal/worker"
)

// bootstrapper builds the orchestrator, retrying until every dependency is
// reachable. The server answers 503 until it succeeds.
type bootstrapper struct {
	cfg     *config.Config
	redis   redis.UniversalClient
	pool    *worker.Pool
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	bus *events.Bus
}

func (b *bootstrapper) run(ctx context.Context, srv *api.Server) {
	interval := b.cfg.Server.InitRetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for attempt := 1; ; attempt++ {
		orch, err := b.init(ctx)
		if err == nil {
			srv.SetService(orch)
			b.logger.Info("Orchestrator ready", zap.Int("attempt", attempt))
			return
		}

		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			b.logger.Error("Configuration incomplete, not ready", zap.Strings("problems", cfgErr.Problems), zap.Int("attempt", attempt))
		} else {
			b.logger.Warn("Orchestrator initialization failed", zap.Error(err), zap.Int("attempt", attempt))
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (b *bootstrapper) init(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := cache.NewStore(b.redis, cfg.Redis.CacheTTL, b.logger)
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	reputation, err := enrichment.NewReputationProvider(cfg.Providers.Reputation)
	if err != nil {
		return nil, err
	}
	sandbox, err := enrichment.NewSandboxProvider(cfg.Providers.Sandbox)
	if err != nil {
		return nil, err
	}

	reasoner, err := judge.NewReasoner(ctx, cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("ai reasoner: %w", err)
	}

	transport, err := newTransport(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := transport.Ping(pingCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("event bus: %w", err)
	}
	b.bus = events.NewBus(transport, cfg.Events.PublishTimeout, b.logger, b.metrics)

	return orchestrator.New(orchestrator.Deps{
		Cache:           store,
		Registration:    enrichment.NewRegistrationProvider(cfg.Providers.Registration),
		Reputation:      reputation,
		Sandbox:         sandbox,
		Judge:           judge.New(reasoner, cfg.AI.Timeout, b.logger),
		Publisher:       b.bus,
		Pool:            b.pool,
		CacheTTL:        cfg.Redis.CacheTTL,
		PipelineTimeout: cfg.Pipeline.Timeout,
		Logger:          b.logger,
		Metrics:         b.metrics,
		Tracer:          b.tracer,
	})
}

func (b *bootstrapper) close() {
	if b.bus == nil {
		return
	}
	if err := b.bus.Close(); err != nil {
		b.logger.Warn("Event bus close error", zap.Error(err))
	}
}

func newTransport(cfg config.EventsConfig) (events.Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case config.TransportHEC:
		return events.NewHECSender(cfg.HEC)
	case config.TransportKafka, "":
		return events.NewKafkaProducer(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
