package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var knownFields = []string{"price", "market_cap", "liquidity", "volume_24h", "price_change_24h", "name", "symbol"}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	if c.Refresh.Interval <= 0 {
		return errors.New("refresh.interval must be > 0")
	}
	if c.Refresh.Timeout <= 0 || c.Refresh.Timeout >= c.Refresh.Interval {
		return fmt.Errorf("refresh.timeout (%s) must be > 0 and < refresh.interval (%s)", c.Refresh.Timeout, c.Refresh.Interval)
	}
	if c.Refresh.Concurrency < 1 {
		return errors.New("refresh.concurrency must be >= 1")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1], got %v", c.Breaker.FailureRatio)
	}
	if c.Latency.Alpha <= 0 || c.Latency.Alpha > 1 {
		return fmt.Errorf("latency.alpha must be in (0, 1], got %v", c.Latency.Alpha)
	}
	if c.Cache.MaxLockHold <= 0 {
		return errors.New("cache.max_lock_hold must be > 0")
	}

	seen := make(map[string]bool)
	for i := range c.Categories {
		cat := &c.Categories[i]
		if cat.Name == "" {
			return fmt.Errorf("categories[%d].name is required", i)
		}
		if seen[cat.Name] {
			return fmt.Errorf("category %s is defined twice", cat.Name)
		}
		seen[cat.Name] = true
		if _, ok := c.Cache.TTLClasses[cat.TTLClass]; !ok {
			return fmt.Errorf("category %s: unknown ttl_class %q", cat.Name, cat.TTLClass)
		}
		if err := cat.validate(); err != nil {
			return err
		}
	}

	for _, name := range []string{c.Engine.DefaultCategory, c.Engine.FastCategory} {
		if !seen[name] {
			return fmt.Errorf("engine category %q is not defined", name)
		}
	}
	if c.Stream.URL != "" && !seen[c.Stream.Category] {
		return fmt.Errorf("stream.category %q is not defined", c.Stream.Category)
	}
	if c.Stream.URL != "" && c.Stream.QuoteRef != "" {
		cat, key, ok := strings.Cut(c.Stream.QuoteRef, ":")
		if !ok || key == "" || !seen[cat] {
			return fmt.Errorf("stream.quote_ref %q must name a defined category as category:key", c.Stream.QuoteRef)
		}
	}

	return nil
}

func (cat *CategoryConfig) validate() error {
	prefix := "category " + cat.Name

	switch cat.Policy.Mode {
	case PolicyFirst:
	case PolicyTopK:
		if cat.Policy.K < 1 {
			return fmt.Errorf("%s: policy.k must be >= 1", prefix)
		}
	default:
		return fmt.Errorf("%s: unknown policy.mode %q", prefix, cat.Policy.Mode)
	}

	t := cat.Timeout
	if t.Min <= 0 || t.Min > t.Floor || t.Floor > t.Max {
		return fmt.Errorf("%s: timeout must satisfy 0 < min (%s) <= floor (%s) <= max (%s)", prefix, t.Min, t.Floor, t.Max)
	}
	if cat.Deadline <= t.Max {
		return fmt.Errorf("%s: deadline (%s) must exceed timeout.max (%s)", prefix, cat.Deadline, t.Max)
	}
	if cat.Retries != nil && *cat.Retries < 0 {
		return fmt.Errorf("%s: retries must be >= 0", prefix)
	}
	if cat.MaxConcurrency < 1 {
		return fmt.Errorf("%s: max_concurrency must be >= 1", prefix)
	}
	for _, f := range cat.Required {
		if !slices.Contains(knownFields, f) {
			return fmt.Errorf("%s: unknown required field %q", prefix, f)
		}
	}
	for f, v := range cat.Thresholds {
		if !slices.Contains(knownFields, f) {
			return fmt.Errorf("%s: unknown threshold field %q", prefix, f)
		}
		if v < 0 {
			return fmt.Errorf("%s: threshold for %s must be >= 0", prefix, f)
		}
	}

	if len(cat.Sources) == 0 {
		return fmt.Errorf("%s: at least one source is required", prefix)
	}
	ids := make(map[string]bool)
	for i, src := range cat.Sources {
		if src.ID == "" {
			return fmt.Errorf("%s: sources[%d].id is required", prefix, i)
		}
		if ids[src.ID] {
			return fmt.Errorf("%s: source %s is defined twice", prefix, src.ID)
		}
		ids[src.ID] = true
		if src.Preset == "" && len(src.Endpoints) == 0 {
			return fmt.Errorf("%s: source %s needs a preset or at least one endpoint", prefix, src.ID)
		}
		for j, ep := range src.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("%s: source %s endpoints[%d].url is required", prefix, src.ID, j)
			}
		}
	}
	return nil
}
