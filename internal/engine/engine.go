// Package engine wires the registry, latency tracker, coordinator, cache,
// refresh scheduler and stream client into the price engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pricefetcher/internal/cache"
	"pricefetcher/internal/clock"
	"pricefetcher/internal/config"
	"pricefetcher/internal/coordinator"
	"pricefetcher/internal/latency"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
	"pricefetcher/internal/provider"
	"pricefetcher/internal/ratelimit"
	"pricefetcher/internal/refresh"
	"pricefetcher/internal/registry"
	"pricefetcher/internal/stream"
)

// snapshotTimeout bounds one snapshot read or write.
const snapshotTimeout = 2 * time.Second

// SnapshotStore shares last-known-good records between processes.
type SnapshotStore interface {
	Save(ctx context.Context, rec model.Record) error
	Load(ctx context.Context, category, key string) (model.Record, error)
	Delete(ctx context.Context, category, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Deps are the optional collaborators of an Engine.
type Deps struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Limiter  *ratelimit.Limiter
	Snapshot SnapshotStore
}

// Telemetry is the engine's diagnostic view.
type Telemetry struct {
	Endpoints []latency.Stat         `json:"endpoints"`
	Sources   []registry.SourceState `json:"sources"`
	Cache     cache.Stats            `json:"cache"`
	Refresh   refresh.Stats          `json:"refresh"`
	Stream    *stream.Stats          `json:"stream,omitempty"`
	Fallbacks int64                  `json:"fallbacks"`
}

// Engine is the price engine.
type Engine struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	providers *provider.Set
	registry  *registry.Registry
	tracker   *latency.Tracker
	coord     *coordinator.Coordinator
	store     *cache.Store
	scheduler *refresh.Scheduler
	stream    *stream.Client
	snapshot  SnapshotStore

	fallbackValues map[string]float64
	required       map[string][]string
	fallbacks      atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine from cfg. Sources whose preset needs an API key that
// is not configured are skipped with a warning.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		cfg:            cfg,
		clock:          deps.Clock,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		snapshot:       deps.Snapshot,
		providers:      provider.NewSet(deps.Limiter, deps.Clock, deps.Logger),
		fallbackValues: make(map[string]float64),
		required:       make(map[string][]string),
	}

	e.registry = registry.New(registry.BreakerConfig{
		Window:       cfg.Breaker.Window,
		MinSamples:   cfg.Breaker.MinSamples,
		FailureRatio: cfg.Breaker.FailureRatio,
		Cooldown:     cfg.Breaker.Cooldown,
	}, deps.Clock, deps.Logger)

	e.tracker = latency.New(latency.Config{
		Alpha:  cfg.Latency.Alpha,
		Window: cfg.Latency.Window,
		Weights: latency.Weights{
			Priority: cfg.Latency.Weights.Priority,
			Success:  cfg.Latency.Weights.Success,
			Latency:  cfg.Latency.Weights.Latency,
		},
	}, deps.Clock, e.registry)

	categories := make(map[string]coordinator.Category, len(cfg.Categories))
	policies := make(map[string]cache.Policy, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		if err := e.registerSources(cat); err != nil {
			e.providers.Close()
			return nil, err
		}

		e.tracker.SetBounds(cat.Name, latency.Bounds{
			Min:        cat.Timeout.Min,
			Floor:      cat.Timeout.Floor,
			Max:        cat.Timeout.Max,
			Multiplier: cat.Timeout.Multiplier,
			Margin:     cat.Timeout.Margin,
		})

		retries := config.DefaultRetries
		if cat.Retries != nil {
			retries = *cat.Retries
		}
		categories[cat.Name] = coordinator.Category{
			Policy: coordinator.Policy{
				Mode:    cat.Policy.Mode,
				K:       cat.Policy.K,
				MinWait: cat.Policy.MinWait,
			},
			Deadline:       cat.Deadline,
			Retries:        retries,
			RetryDelay:     cat.RetryDelay,
			MaxConcurrency: cat.MaxConcurrency,
			Required:       cat.Required,
		}
		policies[cat.Name] = cache.Policy{
			TTL:                  cfg.TTL(cat),
			StaleWhileRevalidate: cat.StaleWhileRevalidate,
			Thresholds:           cat.Thresholds,
		}
		if cat.FallbackValue > 0 {
			e.fallbackValues[cat.Name] = cat.FallbackValue
		}
		e.required[cat.Name] = cat.Required
	}

	e.coord = coordinator.New(e.registry, e.tracker, categories, coordinator.Options{
		Metrics: deps.Metrics,
		Clock:   deps.Clock,
		Logger:  deps.Logger,
	})

	e.store = cache.New(e.load, cache.Options{
		Policies:       policies,
		StaleRetention: cfg.Cache.StaleRetention,
		MaxLockHold:    cfg.Cache.MaxLockHold,
		PinnedMaxAge:   cfg.Cache.PinnedMaxAge,
		OnWrite:        e.saveSnapshot,
		Clock:          deps.Clock,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
	})

	e.scheduler = refresh.New(refresh.Config{
		Interval:    cfg.Refresh.Interval,
		Timeout:     cfg.Refresh.Timeout,
		Concurrency: cfg.Refresh.Concurrency,
	}, e.store, e.store, deps.Metrics, deps.Logger.With("component", "refresh"))

	if cfg.Stream.URL != "" {
		e.stream = stream.New(stream.Config{
			URL:               cfg.Stream.URL,
			SubscribeMethod:   cfg.Stream.SubscribeMethod,
			UnsubscribeMethod: cfg.Stream.UnsubscribeMethod,
			KeyPath:           cfg.Stream.KeyPath,
			PricePath:         cfg.Stream.PricePath,
			MarketCapPath:     cfg.Stream.MarketCapPath,
			ReconnectDelay:    cfg.Stream.ReconnectDelay,
			MaxReconnectDelay: cfg.Stream.MaxReconnectDelay,
			ReadTimeout:       cfg.Stream.ReadTimeout,
		}, stream.SinkFunc(e.ingestStream), deps.Metrics, deps.Logger.With("component", "stream"))

		// streamed values are converted with this price, keep it warm
		if category, key, ok := strings.Cut(cfg.Stream.QuoteRef, ":"); ok {
			e.store.Pin(category, key)
		}
	}

	return e, nil
}

func (e *Engine) registerSources(cat config.CategoryConfig) error {
	for _, src := range cat.Sources {
		if src.Disabled {
			continue
		}
		source, err := e.providers.Build(cat, src)
		if errors.Is(err, provider.ErrMissingAPIKey) {
			e.logger.Warn("skipping source without api key",
				"category", cat.Name,
				"source", src.ID,
				"env", fmt.Sprintf("%s_%s_API_KEY", config.EnvPrefix, strings.ToUpper(src.ID)))
			continue
		}
		if err != nil {
			return fmt.Errorf("category %s: %w", cat.Name, err)
		}
		if err := e.registry.Register(source); err != nil {
			return fmt.Errorf("category %s: %w", cat.Name, err)
		}
	}
	return nil
}

// Start launches the sweeper, the refresh scheduler and the stream client.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.store.RunSweeper(ctx, e.cfg.Cache.SweepInterval)
	}()

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start refresh scheduler: %w", err)
	}
	if e.stream != nil {
		if err := e.stream.Start(ctx); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
	}

	e.logger.Info("price engine started",
		"categories", e.registry.Categories(),
		"default_category", e.cfg.Engine.DefaultCategory,
		"fast_category", e.cfg.Engine.FastCategory,
	)
	return nil
}

// Stop stops background work, cancels in-flight fetches and waits for them,
// then releases HTTP clients.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := e.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop refresh scheduler: %w", err))
	}
	if e.stream != nil {
		if err := e.stream.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	// no fetch may outlive the HTTP clients
	if err := e.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if err := e.providers.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("price engine stopped")
	return errors.Join(errs...)
}

// Stats returns the engine telemetry.
func (e *Engine) Stats() Telemetry {
	t := Telemetry{
		Endpoints: e.tracker.Snapshot(),
		Sources:   e.registry.State(),
		Cache:     e.store.Stats(),
		Refresh:   e.scheduler.Stats(),
		Fallbacks: e.fallbacks.Load(),
	}
	if e.stream != nil {
		st := e.stream.Stats()
		t.Stream = &st
	}
	return t
}

// Categories returns the configured category names.
func (e *Engine) Categories() []string {
	names := make([]string, 0, len(e.cfg.Categories))
	for _, cat := range e.cfg.Categories {
		names = append(names, cat.Name)
	}
	return names
}

func (e *Engine) load(ctx context.Context, category, key string) (model.Record, error) {
	return e.coord.Fetch(ctx, coordinator.Request{Category: category, Key: key})
}

// saveSnapshot copies a freshly written record to the shared store.
func (e *Engine) saveSnapshot(rec model.Record) {
	if e.snapshot == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := e.snapshot.Save(ctx, rec); err != nil {
			e.logger.Debug("failed to save snapshot",
				"category", rec.Category,
				"key", rec.Key,
				"err", err)
		}
	}()
}
