package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pricefetcher/internal/config"
	"pricefetcher/internal/engine"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/ratelimit"
	"pricefetcher/internal/server"
	"pricefetcher/internal/snapshot"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector("pricefetcher")

	deps := engine.Deps{
		Logger:  logger,
		Metrics: collector,
		Limiter: ratelimit.New(),
	}

	// The shared snapshot store is optional
	if cfg.Redis.Addr != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := snapshot.Dial(dialCtx, snapshot.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		dialCancel()
		if err != nil {
			logger.Warn("redis unavailable, running without snapshots", "addr", cfg.Redis.Addr, "err", err)
		} else {
			defer store.Close()
			deps.Snapshot = store
		}
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		log.Fatalf("Failed to build price engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start price engine: %v", err)
	}

	srv := server.New(server.Config{
		Addr:        cfg.HTTP.Addr,
		MetricsPath: cfg.HTTP.MetricsPath,
	}, eng, collector, logger.With("component", "http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
