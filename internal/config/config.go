package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PRICEFETCHER_REDIS_ADDR.
const EnvPrefix = "PRICEFETCHER"

// Config holds all configuration for the price engine.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Latency    LatencyConfig    `mapstructure:"latency"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Categories []CategoryConfig `mapstructure:"categories"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// EngineConfig names the categories used by the instrument-level operations.
type EngineConfig struct {
	DefaultCategory string `mapstructure:"default_category"`
	FastCategory    string `mapstructure:"fast_category"`
}

// CacheConfig configures the tiered cache.
type CacheConfig struct {
	TTLClasses     map[string]time.Duration `mapstructure:"ttl_classes"`
	StaleRetention time.Duration            `mapstructure:"stale_retention"`
	SweepInterval  time.Duration            `mapstructure:"sweep_interval"`
	MaxLockHold    time.Duration            `mapstructure:"max_lock_hold"`
	PinnedMaxAge   time.Duration            `mapstructure:"pinned_max_age"`
}

// RefreshConfig configures the background refresh scheduler.
type RefreshConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// BreakerConfig configures the per-source circuit breaker.
type BreakerConfig struct {
	Window       time.Duration `mapstructure:"window"`
	MinSamples   int           `mapstructure:"min_samples"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
}

// LatencyConfig configures the latency tracker.
type LatencyConfig struct {
	Alpha   float64       `mapstructure:"alpha"`
	Window  int           `mapstructure:"window"`
	Weights WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig are the endpoint ranking weights.
type WeightsConfig struct {
	Priority float64 `mapstructure:"priority"`
	Success  float64 `mapstructure:"success"`
	Latency  float64 `mapstructure:"latency"`
}

// RedisConfig configures the shared snapshot store. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// StreamConfig configures the realtime quote subscription. An empty URL disables it.
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	Category          string        `mapstructure:"category"`
	SubscribeMethod   string        `mapstructure:"subscribe_method"`
	UnsubscribeMethod string        `mapstructure:"unsubscribe_method"`
	KeyPath           string        `mapstructure:"key_path"`
	PricePath         string        `mapstructure:"price_path"`
	MarketCapPath     string        `mapstructure:"market_cap_path"`
	// QuoteRef ("category:key") names the record whose price converts
	// streamed values into the quote currency. Empty means values are used as-is.
	QuoteRef          string        `mapstructure:"quote_ref"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

// CategoryConfig describes one data category: its sources, its cache class
// and its fetch policy.
type CategoryConfig struct {
	Name                 string             `mapstructure:"name"`
	TTLClass             string             `mapstructure:"ttl_class"`
	StaleWhileRevalidate bool               `mapstructure:"stale_while_revalidate"`
	Policy               PolicyConfig       `mapstructure:"policy"`
	Deadline             time.Duration      `mapstructure:"deadline"`
	Timeout              TimeoutConfig      `mapstructure:"timeout"`
	Retries              *int               `mapstructure:"retries"`
	RetryDelay           time.Duration      `mapstructure:"retry_delay"`
	MaxConcurrency       int                `mapstructure:"max_concurrency"`
	Required             []string           `mapstructure:"required"`
	Thresholds           map[string]float64 `mapstructure:"thresholds"`
	FallbackValue        float64            `mapstructure:"fallback_value"`
	Sources              []SourceConfig     `mapstructure:"sources"`
}

// PolicyConfig is the acceptance policy of a category.
type PolicyConfig struct {
	Mode    string        `mapstructure:"mode"`
	K       int           `mapstructure:"k"`
	MinWait time.Duration `mapstructure:"min_wait"`
}

// TimeoutConfig bounds the adaptive per-attempt timeout.
type TimeoutConfig struct {
	Min        time.Duration `mapstructure:"min"`
	Floor      time.Duration `mapstructure:"floor"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Margin     time.Duration `mapstructure:"margin"`
}

// SourceConfig describes one provider within a category.
type SourceConfig struct {
	ID           string            `mapstructure:"id"`
	Preset       string            `mapstructure:"preset"`
	Priority     int               `mapstructure:"priority"`
	Disabled     bool              `mapstructure:"disabled"`
	BustCache    bool              `mapstructure:"bust_cache"`
	RateLimit    float64           `mapstructure:"rate_limit"`
	Burst        int               `mapstructure:"burst"`
	APIKey       string            `mapstructure:"api_key"`
	APIKeyHeader string            `mapstructure:"api_key_header"`
	Headers      map[string]string `mapstructure:"headers"`
	Endpoints    []EndpointConfig  `mapstructure:"endpoints"`
}

// EndpointConfig describes one HTTP JSON endpoint. "{key}" in URL, Query,
// Body and field paths is replaced with the instrument key.
type EndpointConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Body     string            `mapstructure:"body"`
	Query    map[string]string `mapstructure:"query"`
	Headers  map[string]string `mapstructure:"headers"`
	ListPath string            `mapstructure:"list_path"`
	RankBy   string            `mapstructure:"rank_by"`
	Fields   FieldPaths        `mapstructure:"fields"`
}

// FieldPaths are gjson paths into the response.
type FieldPaths struct {
	Price           string `mapstructure:"price"`
	MarketCap       string `mapstructure:"market_cap"`
	Liquidity       string `mapstructure:"liquidity"`
	Volume24h       string `mapstructure:"volume_24h"`
	PriceChange24h  string `mapstructure:"price_change_24h"`
	Name            string `mapstructure:"name"`
	Symbol          string `mapstructure:"symbol"`
	Timestamp       string `mapstructure:"timestamp"`
	Supply          string `mapstructure:"supply"`
	Decimals        string `mapstructure:"decimals"`
	DefaultDecimals int    `mapstructure:"default_decimals"`
}

// Category returns the named category.
func (c *Config) Category(name string) (CategoryConfig, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return CategoryConfig{}, false
}

// TTL resolves the TTL class of a category.
func (c *Config) TTL(cat CategoryConfig) time.Duration {
	return c.Cache.TTLClasses[cat.TTLClass]
}

// Load reads configuration from an optional YAML file and environment variables.
// Environment variables take precedence over file values.
//
// When path is empty, config.yaml is looked up in the working directory and
// in $HOME/.pricefetcher; a missing file is not an error. API keys can be
// supplied per source as PRICEFETCHER_<SOURCE_ID>_API_KEY.
//
// Examples of environment overrides:
//   - PRICEFETCHER_HTTP_ADDR
//   - PRICEFETCHER_REDIS_ADDR
//   - PRICEFETCHER_REFRESH_INTERVAL
//   - PRICEFETCHER_BIRDEYE_API_KEY
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set up environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pricefetcher")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Unmarshal config into struct (handles both simple and complex fields)
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Categories) == 0 {
		config.Categories = DefaultCategories()
	}

	// Bind environment variables for API keys now that the sources are known
	for i := range config.Categories {
		for j := range config.Categories[i].Sources {
			src := &config.Categories[i].Sources[j]
			if src.APIKey != "" {
				continue
			}
			key := "api_keys." + src.ID
			_ = v.BindEnv(key, EnvPrefix+"_"+envName(src.ID)+"_API_KEY")
			src.APIKey = v.GetString(key)
		}
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}
