package config

import "time"

// DefaultCategories is the built-in Solana catalog used when the config file
// defines no categories. Sources refer to provider presets.
func DefaultCategories() []CategoryConfig {
	retries := DefaultRetries
	return []CategoryConfig{
		{
			Name:     "token",
			TTLClass: "short",
			Policy:   PolicyConfig{Mode: PolicyTopK, K: 2, MinWait: 400 * time.Millisecond},
			Deadline: 5 * time.Second,
			Timeout:  TimeoutConfig{Min: 800 * time.Millisecond, Floor: 2 * time.Second, Max: 4 * time.Second},
			Retries:  &retries,
			Required: []string{"price"},
			Sources: []SourceConfig{
				{ID: "dexscreener", Preset: "dexscreener", Priority: 10, RateLimit: 5, Burst: 5},
				{ID: "jupiter", Preset: "jupiter", Priority: 8, RateLimit: 10, Burst: 10},
				{ID: "birdeye", Preset: "birdeye", Priority: 6, RateLimit: 2, Burst: 2},
			},
		},
		{
			Name:                 "viral",
			TTLClass:             "fast",
			StaleWhileRevalidate: true,
			Policy:               PolicyConfig{Mode: PolicyFirst},
			Deadline:             4 * time.Second,
			Timeout:              TimeoutConfig{Min: 500 * time.Millisecond, Floor: 1500 * time.Millisecond, Max: 3 * time.Second},
			Retries:              &retries,
			Required:             []string{"price"},
			Sources: []SourceConfig{
				{ID: "pumpfun", Preset: "pumpfun", Priority: 10, BustCache: true, RateLimit: 10, Burst: 10},
				{ID: "dexscreener", Preset: "dexscreener", Priority: 8, BustCache: true, RateLimit: 5, Burst: 5},
				{ID: "jupiter", Preset: "jupiter", Priority: 6, BustCache: true, RateLimit: 10, Burst: 10},
			},
		},
		{
			Name:          "native",
			TTLClass:      "long",
			Policy:        PolicyConfig{Mode: PolicyTopK, K: 2, MinWait: 500 * time.Millisecond},
			Deadline:      5 * time.Second,
			Timeout:       TimeoutConfig{Min: 800 * time.Millisecond, Floor: 2 * time.Second, Max: 4 * time.Second},
			Retries:       &retries,
			Required:      []string{"price"},
			FallbackValue: 175.85,
			Sources: []SourceConfig{
				{ID: "coingecko", Preset: "coingecko", Priority: 10, RateLimit: 0.5, Burst: 2},
				{ID: "binance", Preset: "binance", Priority: 8, RateLimit: 10, Burst: 10},
				{ID: "cryptocompare", Preset: "cryptocompare", Priority: 6, RateLimit: 1, Burst: 2},
			},
		},
		{
			Name:     "token_info",
			TTLClass: "reference",
			Policy:   PolicyConfig{Mode: PolicyTopK, K: 2, MinWait: 500 * time.Millisecond},
			Deadline: 6 * time.Second,
			Timeout:  TimeoutConfig{Min: time.Second, Floor: 3 * time.Second, Max: 5 * time.Second},
			Retries:  &retries,
			Required: []string{"symbol"},
			Thresholds: map[string]float64{
				"market_cap": 0.01,
			},
			Sources: []SourceConfig{
				{ID: "dexscreener", Preset: "dexscreener", Priority: 10, RateLimit: 5, Burst: 5},
				{ID: "pumpfun", Preset: "pumpfun", Priority: 8, RateLimit: 10, Burst: 10},
			},
		},
	}
}
