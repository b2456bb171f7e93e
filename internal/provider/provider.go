package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"resty.dev/v3"

	"pricefetcher/internal/clock"
	"pricefetcher/internal/config"
	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/ratelimit"
	"pricefetcher/internal/registry"
)

// ErrMissingAPIKey is returned by Build for a preset that needs an API key
// when none was configured.
var ErrMissingAPIKey = errors.New("api key required")

// Set builds endpoints from configuration and owns their HTTP clients.
type Set struct {
	limiter *ratelimit.Limiter
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*resty.Client
}

// NewSet creates an empty Set. The limiter is shared by every source built from it.
func NewSet(limiter *ratelimit.Limiter, clk clock.Clock, logger *slog.Logger) *Set {
	if limiter == nil {
		limiter = ratelimit.New()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		limiter: limiter,
		clock:   clk,
		logger:  logger,
		clients: make(map[string]*resty.Client),
	}
}

// Build turns a source configuration into a registry source for cat.
// Explicit endpoints replace the preset's endpoints. Endpoints of a
// first-valid category skip a throttled provider instead of waiting for it.
func (s *Set) Build(cat config.CategoryConfig, src config.SourceConfig) (*registry.Source, error) {
	endpoints := src.Endpoints
	keyHeader := src.APIKeyHeader

	if src.Preset != "" {
		preset, ok := Presets[src.Preset]
		if !ok {
			return nil, fmt.Errorf("source %s: unknown preset %q", src.ID, src.Preset)
		}
		if len(endpoints) == 0 {
			endpoints = preset.Endpoints
		}
		if keyHeader == "" {
			keyHeader = preset.APIKeyHeader
		}
		if preset.APIKeyHeader != "" && src.APIKey == "" {
			return nil, fmt.Errorf("source %s: %w", src.ID, ErrMissingAPIKey)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("source %s: no endpoints", src.ID)
	}

	headers := make(map[string]string, len(src.Headers)+1)
	for k, v := range src.Headers {
		headers[k] = v
	}
	if keyHeader != "" && src.APIKey != "" {
		headers[keyHeader] = src.APIKey
	}

	client := s.client(src.ID, src.BustCache, headers)
	if src.RateLimit > 0 {
		s.limiter.Set(src.ID, src.RateLimit, src.Burst)
	}

	out := &registry.Source{
		ID:       src.ID,
		Category: cat.Name,
		Priority: src.Priority,
	}
	for i, ep := range endpoints {
		out.Endpoints = append(out.Endpoints, &Endpoint{
			provider:  src.ID,
			key:       fetcher.EndpointKey(src.ID, strconv.Itoa(i)),
			priority:  src.Priority,
			bustCache: src.BustCache,
			noWait:    cat.Policy.Mode == config.PolicyFirst,
			cfg:       ep,
			client:    client,
			limiter:   s.limiter,
			clock:     s.clock,
		})
	}
	return out, nil
}

// client returns the shared HTTP client of a provider. A provider used by
// several categories keeps the headers of its first registration.
func (s *Set) client(id string, noCache bool, headers map[string]string) *resty.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := id
	if noCache {
		name += "+nocache"
	}
	if c, ok := s.clients[name]; ok {
		return c
	}
	c := fetcher.NewHTTPClient(fetcher.ClientOptions{
		Headers: headers,
		NoCache: noCache,
		Logger:  s.logger.With("provider", id),
	})
	s.clients[name] = c
	return c
}

// Close releases every HTTP client.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s client: %w", name, err))
		}
		delete(s.clients, name)
	}
	return errors.Join(errs...)
}
