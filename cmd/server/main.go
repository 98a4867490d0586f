// Package main provides the entry point for the URL intelligence server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/api"
	"github.com/lvonguyen/urlintel/internal/api/gateway"
	"github.com/lvonguyen/urlintel/internal/cache"
	"github.com/lvonguyen/urlintel/internal/config"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/worker"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("urlintel %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(cfg.Telemetry(Version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting urlintel",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel.StartSystemMetricsCollector(ctx)

	redisClient := cache.NewClient(cfg.Redis.Cache())
	pool := worker.New(cfg.Worker, logger, metrics)

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger, metrics)
	}

	srv := api.NewServer(api.Options{
		Version:        Version,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler(),
		RateLimiter:    limiter,
	})

	boot := &bootstrapper{
		cfg:     cfg,
		redis:   redisClient,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		tracer:  tel.Tracer(),
	}
	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		boot.run(ctx, srv)
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("Server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	<-initDone
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Worker pool did not drain", zap.Error(err))
	}
	boot.close()
	if err := redisClient.Close(); err != nil {
		logger.Warn("Redis close error", zap.Error(err))
	}

	logger.Info("Server stopped")
	tel.Shutdown(shutdownCtx)
}
