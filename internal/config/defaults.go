package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultHTTPAddr        = ":8080"
	DefaultMetricsPath     = "/metrics"
	DefaultCategory        = "token"
	DefaultFastCategory    = "viral"
	DefaultStaleRetention  = 10 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultMaxLockHold     = 10 * time.Second
	DefaultPinnedMaxAge    = 30 * time.Second
	DefaultRefreshInterval = 3 * time.Second
	DefaultRefreshTimeout  = 2500 * time.Millisecond
	DefaultRefreshWorkers  = 8
	DefaultBreakerWindow   = 30 * time.Second
	DefaultBreakerSamples  = 5
	DefaultBreakerRatio    = 0.6
	DefaultBreakerCooldown = 30 * time.Second
	DefaultLatencyAlpha    = 0.3
	DefaultLatencyWindow   = 50
	DefaultRedisPrefix     = "pricefetcher"
	DefaultRedisTTL        = 30 * time.Minute
	DefaultReconnectDelay  = time.Second
	DefaultReconnectMax    = 30 * time.Second
	DefaultStreamRead      = 60 * time.Second

	DefaultTTLClass       = "short"
	DefaultPolicyMode     = PolicyFirst
	DefaultTopK           = 2
	DefaultMinWait        = 300 * time.Millisecond
	DefaultDeadline       = 5 * time.Second
	DefaultMinTimeout     = 800 * time.Millisecond
	DefaultFloorTimeout   = 2 * time.Second
	DefaultMaxTimeout     = 4 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMargin         = 200 * time.Millisecond
	DefaultRetries        = 1
	DefaultRetryDelay     = 50 * time.Millisecond
	DefaultMaxConcurrency = 8
	DefaultThreshold      = 0.005
)

// Acceptance policy modes.
const (
	PolicyFirst = "first"
	PolicyTopK  = "top_k"
)

// DefaultTTLClasses maps TTL class names to durations.
func DefaultTTLClasses() map[string]time.Duration {
	return map[string]time.Duration{
		"realtime":  0,
		"fast":      time.Second,
		"short":     3 * time.Second,
		"medium":    15 * time.Second,
		"long":      2 * time.Minute,
		"reference": 30 * time.Minute,
	}
}

// setDefaults registers scalar defaults so that environment overrides are
// picked up by AutomaticEnv during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.metrics_path", DefaultMetricsPath)
	v.SetDefault("engine.default_category", DefaultCategory)
	v.SetDefault("engine.fast_category", DefaultFastCategory)
	v.SetDefault("cache.stale_retention", DefaultStaleRetention)
	v.SetDefault("cache.sweep_interval", DefaultSweepInterval)
	v.SetDefault("cache.max_lock_hold", DefaultMaxLockHold)
	v.SetDefault("cache.pinned_max_age", DefaultPinnedMaxAge)
	v.SetDefault("refresh.interval", DefaultRefreshInterval)
	v.SetDefault("refresh.timeout", DefaultRefreshTimeout)
	v.SetDefault("refresh.concurrency", DefaultRefreshWorkers)
	v.SetDefault("breaker.window", DefaultBreakerWindow)
	v.SetDefault("breaker.min_samples", DefaultBreakerSamples)
	v.SetDefault("breaker.failure_ratio", DefaultBreakerRatio)
	v.SetDefault("breaker.cooldown", DefaultBreakerCooldown)
	v.SetDefault("latency.alpha", DefaultLatencyAlpha)
	v.SetDefault("latency.window", DefaultLatencyWindow)
	v.SetDefault("latency.weights.priority", 0.5)
	v.SetDefault("latency.weights.success", 0.3)
	v.SetDefault("latency.weights.latency", 0.2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", DefaultRedisPrefix)
	v.SetDefault("redis.ttl", DefaultRedisTTL)
	v.SetDefault("stream.url", "")
	v.SetDefault("stream.category", DefaultFastCategory)
	v.SetDefault("stream.subscribe_method", "subscribeTokenTrade")
	v.SetDefault("stream.unsubscribe_method", "unsubscribeTokenTrade")
	v.SetDefault("stream.key_path", "mint")
	v.SetDefault("stream.price_path", "")
	v.SetDefault("stream.market_cap_path", "marketCapSol")
	v.SetDefault("stream.quote_ref", "native:SOL")
	v.SetDefault("stream.reconnect_delay", DefaultReconnectDelay)
	v.SetDefault("stream.max_reconnect_delay", DefaultReconnectMax)
	v.SetDefault("stream.read_timeout", DefaultStreamRead)
}

func (c *Config) applyDefaults() {
	if c.Cache.TTLClasses == nil {
		c.Cache.TTLClasses = make(map[string]time.Duration)
	}
	for name, ttl := range DefaultTTLClasses() {
		if _, ok := c.Cache.TTLClasses[name]; !ok {
			c.Cache.TTLClasses[name] = ttl
		}
	}

	for i := range c.Categories {
		c.Categories[i].applyDefaults()
	}
}

func (cat *CategoryConfig) applyDefaults() {
	if cat.TTLClass == "" {
		cat.TTLClass = DefaultTTLClass
	}
	if cat.Policy.Mode == "" {
		cat.Policy.Mode = DefaultPolicyMode
	}
	if cat.Policy.Mode == PolicyTopK {
		if cat.Policy.K == 0 {
			cat.Policy.K = DefaultTopK
		}
		if cat.Policy.MinWait == 0 {
			cat.Policy.MinWait = DefaultMinWait
		}
	}
	if cat.Timeout.Min == 0 {
		cat.Timeout.Min = DefaultMinTimeout
	}
	if cat.Timeout.Floor == 0 {
		cat.Timeout.Floor = DefaultFloorTimeout
	}
	if cat.Timeout.Max == 0 {
		cat.Timeout.Max = DefaultMaxTimeout
	}
	if cat.Timeout.Multiplier == 0 {
		cat.Timeout.Multiplier = DefaultMultiplier
	}
	if cat.Timeout.Margin == 0 {
		cat.Timeout.Margin = DefaultMargin
	}
	if cat.Deadline == 0 {
		cat.Deadline = max(DefaultDeadline, cat.Timeout.Max+time.Second)
	}
	if cat.Retries == nil {
		retries := DefaultRetries
		cat.Retries = &retries
	}
	if cat.RetryDelay == 0 {
		cat.RetryDelay = DefaultRetryDelay
	}
	if cat.MaxConcurrency == 0 {
		cat.MaxConcurrency = DefaultMaxConcurrency
	}
	if len(cat.Required) == 0 {
		cat.Required = []string{"price"}
	}
	if cat.Thresholds == nil {
		cat.Thresholds = map[string]float64{
			"price":      DefaultThreshold,
			"market_cap": DefaultThreshold,
		}
	}
	for i := range cat.Sources {
		if cat.Sources[i].Burst == 0 {
			cat.Sources[i].Burst = 1
		}
	}
}
