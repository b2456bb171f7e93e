// Package registry holds the static catalog of data sources per category and
// the circuit breakers that temporarily take failing providers out of rotation.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"pricefetcher/internal/clock"
	"pricefetcher/internal/fetcher"
)

// Source is one provider serving a category through an ordered list of endpoints.
type Source struct {
	ID        string
	Category  string
	Priority  int
	Endpoints []fetcher.Fetcher

	order int
}

// SourceState describes a source for telemetry.
type SourceState struct {
	ID        string       `json:"id"`
	Category  string       `json:"category"`
	Priority  int          `json:"priority"`
	Endpoints int          `json:"endpoints"`
	Breaker   BreakerState `json:"breaker"`
}

// Registry maps categories to their sources. Sources are registered at
// startup; afterwards only breaker state changes.
type Registry struct {
	mu         sync.RWMutex
	categories map[string][]*Source
	breakers   map[string]*breaker
	endpoints  map[string]string

	cfg    BreakerConfig
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an empty registry.
func New(cfg BreakerConfig, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		categories: make(map[string][]*Source),
		breakers:   make(map[string]*breaker),
		endpoints:  make(map[string]string),
		cfg:        cfg.withDefaults(),
		clock:      clk,
		logger:     logger,
	}
}

// Register adds a source to its category. Providers that serve several
// categories share one breaker.
func (r *Registry) Register(s *Source) error {
	if s.ID == "" || s.Category == "" {
		return fmt.Errorf("source needs an id and a category")
	}
	if len(s.Endpoints) == 0 {
		return fmt.Errorf("source %s/%s has no endpoints", s.Category, s.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.categories[s.Category] {
		if existing.ID == s.ID {
			return fmt.Errorf("source %s already registered in category %s", s.ID, s.Category)
		}
	}
	s.order = len(r.categories[s.Category])
	r.categories[s.Category] = append(r.categories[s.Category], s)
	slices.SortStableFunc(r.categories[s.Category], func(a, b *Source) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	if _, ok := r.breakers[s.ID]; !ok {
		r.breakers[s.ID] = &breaker{}
	}
	for _, ep := range s.Endpoints {
		r.endpoints[ep.Key()] = s.ID
	}
	return nil
}

// SourcesFor returns the enabled sources of a category, highest priority
// first. When every source is disabled all of them are returned so that the
// request doubles as a probe instead of failing without trying.
func (r *Registry) SourcesFor(category string) []*Source {
	r.mu.RLock()
	all := slices.Clone(r.categories[category])
	r.mu.RUnlock()

	now := r.clock.Now()
	enabled := make([]*Source, 0, len(all))
	for _, s := range all {
		if r.breaker(s.ID).allow(now, r.cfg) {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 && len(all) > 0 {
		r.logger.Warn("all sources disabled, probing anyway", "category", category)
		return all
	}
	return enabled
}

// Sources returns every source of a category, including disabled ones.
func (r *Registry) Sources(category string) []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.categories[category])
}

// Categories lists the configured categories in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.categories))
	for name := range r.categories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SourceOf returns the provider owning an endpoint key.
func (r *Registry) SourceOf(endpoint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.endpoints[endpoint]
	return id, ok
}

// Observe feeds one attempt outcome for a provider into its breaker.
func (r *Registry) Observe(sourceID string, success bool) {
	b := r.breaker(sourceID)
	if b == nil {
		return
	}
	from, to := b.observe(r.clock.Now(), success, r.cfg)
	if from != to {
		r.logger.Info("source breaker changed state", "source", sourceID, "from", from, "to", to)
	}
}

// ObserveEndpoint is Observe keyed by endpoint, for the latency tracker.
func (r *Registry) ObserveEndpoint(endpoint string, success bool) {
	if id, ok := r.SourceOf(endpoint); ok {
		r.Observe(id, success)
	}
}

// State returns the breaker state of every source.
func (r *Registry) State() []SourceState {
	now := r.clock.Now()
	var out []SourceState
	for _, category := range r.Categories() {
		for _, s := range r.Sources(category) {
			out = append(out, SourceState{
				ID:        s.ID,
				Category:  s.Category,
				Priority:  s.Priority,
				Endpoints: len(s.Endpoints),
				Breaker:   r.breaker(s.ID).state(now, r.cfg),
			})
		}
	}
	return out
}

func (r *Registry) breaker(id string) *breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[id]
}
