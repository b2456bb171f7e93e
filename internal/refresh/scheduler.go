// Package refresh keeps high-priority keys warm by refreshing them on a
// fixed interval, independent of foreground callers.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
)

// KeySource provides the keys to refresh.
type KeySource interface {
	Pinned() []model.Ref
}

// Refresher fetches one key, bypassing its cached value.
type Refresher interface {
	Refresh(ctx context.Context, category, key string) (model.Record, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // Tick interval (default: 3s)
	Timeout     time.Duration // Bound on one tick, below Interval (default: 2s)
	Concurrency int           // Max concurrent refreshes (default: 8)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    3 * time.Second,
		Timeout:     2 * time.Second,
		Concurrency: 8,
	}
}

// Stats are the scheduler's counters.
type Stats struct {
	Ticks     int64     `json:"ticks"`
	Refreshed int64     `json:"refreshed"`
	Failed    int64     `json:"failed"`
	LastTick  time.Time `json:"last_tick,omitzero"`
}

// Scheduler periodically refreshes every pinned key.
type Scheduler struct {
	cfg       Config
	keys      KeySource
	refresher Refresher
	metrics   *metrics.Collector
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ticks, refreshed, failed atomic.Int64
	lastTick                 atomic.Int64
}

// New creates a new Scheduler.
func New(cfg Config, keys KeySource, refresher Refresher, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = cfg.Interval * 2 / 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		keys:      keys,
		refresher: refresher,
		metrics:   m,
		logger:    logger,
	}
}

// Start begins the refresh loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("refresh scheduler started",
		"interval", s.cfg.Interval,
		"timeout", s.cfg.Timeout,
		"concurrency", s.cfg.Concurrency,
	)
	return nil
}

// Stop cancels the current tick and waits for in-flight refreshes.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick refreshes all pinned keys with bounded concurrency.
func (s *Scheduler) tick() {
	start := time.Now()
	s.ticks.Add(1)
	s.lastTick.Store(start.UnixNano())
	s.metrics.RecordRefreshTick()

	refs := s.keys.Pinned()
	if len(refs) == 0 {
		s.logger.Debug("no pinned keys to refresh")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	var refreshed, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx)
	for _, ref := range refs {
		p.Go(func(ctx context.Context) error {
			_, err := s.refresher.Refresh(ctx, ref.Category, ref.Key)
			s.metrics.RecordRefresh(err)
			if err != nil {
				s.logger.Warn("failed to refresh key",
					"category", ref.Category,
					"key", ref.Key,
					"err", err,
				)
				failed.Add(1)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = p.Wait()

	s.refreshed.Add(refreshed.Load())
	s.failed.Add(failed.Load())

	s.logger.Debug("refresh cycle complete",
		"keys", len(refs),
		"refreshed", refreshed.Load(),
		"failed", failed.Load(),
		"duration", time.Since(start),
	)
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Ticks:     s.ticks.Load(),
		Refreshed: s.refreshed.Load(),
		Failed:    s.failed.Load(),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	return st
}
