// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready mRelay deployment example
// with metrics, health checks, circuit breakers and rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/mrelay"
	"github.com/absmach/mrelay/examples/simple"
	"github.com/absmach/mrelay/pkg/health"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const maxGoroutines = 50000

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := mrelay.NewConfig(env.Options{Prefix: mrelay.DefaultEnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logger()
	logger.Info("Starting mRelay in production mode",
		slog.Int("max_sessions", cfg.MaxSessions),
		slog.Float64("rate_limit", cfg.RateLimit),
		slog.Float64("global_rate_limit", cfg.GlobalRateLimit))

	m := metrics.New("mrelay", prometheus.DefaultRegisterer)

	checker := health.NewChecker(10*time.Second, logger)
	checker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, maxGoroutines)
		}
		return nil
	})
	checker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		logger.Debug("Memory stats",
			slog.Uint64("heap", stats.HeapAlloc),
			slog.Uint64("sys", stats.Sys))
		return nil
	})

	perClientLimiter := ratelimit.NewLimiter(cfg.RateLimit, cfg.RateBurst, 0)
	defer perClientLimiter.Close()
	checker.Register("rate_limiter", func(ctx context.Context) error {
		logger.Debug("Rate limiter stats", slog.Int("clients", perClientLimiter.Stats()))
		return nil
	})

	h := NewInstrumentedHandler(&RateLimitedHandler{
		handler:          simple.New(logger),
		perClientLimiter: perClientLimiter,
		globalLimiter:    ratelimit.NewTokenBucket(cfg.GlobalRateLimit, cfg.GlobalRateBurst),
		metrics:          m,
		logger:           logger,
	}, m, logger)

	r, err := mrelay.New(cfg, h, checker, logger)
	if err != nil {
		logger.Error("Failed to create relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	r.Run(ctx, g)
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

// serveMetrics runs the Prometheus metrics HTTP server until ctx is done.
func serveMetrics(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
