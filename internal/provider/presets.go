package provider

import "pricefetcher/internal/config"

// Preset is a known upstream API: its endpoints in preference order and how
// to read them.
type Preset struct {
	Endpoints []config.EndpointConfig
	// APIKeyHeader is where the source's api_key is sent. Presets with a
	// header require a key.
	APIKeyHeader string
}

var dexscreenerPair = config.FieldPaths{
	Price:          "priceUsd",
	MarketCap:      "marketCap",
	Liquidity:      "liquidity.usd",
	Volume24h:      "volume.h24",
	PriceChange24h: "priceChange.h24",
	Name:           "baseToken.name",
	Symbol:         "baseToken.symbol",
}

var pumpfunCoin = config.FieldPaths{
	MarketCap:       "usd_market_cap",
	Name:            "name",
	Symbol:          "symbol",
	Supply:          "total_supply",
	DefaultDecimals: 6,
}

var pumpfunNextData = config.FieldPaths{
	MarketCap:       "pageProps.coin.usd_market_cap",
	Name:            "pageProps.coin.name",
	Symbol:          "pageProps.coin.symbol",
	Supply:          "pageProps.coin.total_supply",
	DefaultDecimals: 6,
}

// Presets are the built-in upstream definitions, keyed by name.
var Presets = map[string]Preset{
	"dexscreener": {
		Endpoints: []config.EndpointConfig{
			{
				URL:      "https://api.dexscreener.com/latest/dex/tokens/{key}",
				ListPath: "pairs",
				RankBy:   "liquidity.usd",
				Fields:   dexscreenerPair,
			},
			{
				URL:      "https://api.dexscreener.com/latest/dex/pairs/solana/{key}",
				ListPath: "pairs",
				RankBy:   "liquidity.usd",
				Fields:   dexscreenerPair,
			},
		},
	},
	"pumpfun": {
		Endpoints: []config.EndpointConfig{
			{URL: "https://pump.fun/api/v2/tokens/{key}", Fields: pumpfunCoin},
			{URL: "https://pump.fun/api/v1/tokens/{key}", Fields: pumpfunCoin},
			{URL: "https://pump.fun/_next/data/latest/token/{key}.json", Fields: pumpfunNextData},
		},
	},
	"jupiter": {
		Endpoints: []config.EndpointConfig{
			{
				URL:    "https://price.jup.ag/v4/price",
				Query:  map[string]string{"ids": "{key}"},
				Fields: config.FieldPaths{Price: "data.{key}.price", Symbol: "data.{key}.mintSymbol"},
			},
			{
				URL:    "https://jupiter-price-api.solana.fm/v4/price",
				Query:  map[string]string{"ids": "{key}"},
				Fields: config.FieldPaths{Price: "data.{key}.price", Symbol: "data.{key}.mintSymbol"},
			},
		},
	},
	"birdeye": {
		APIKeyHeader: "X-API-KEY",
		Endpoints: []config.EndpointConfig{
			{
				URL:     "https://public-api.birdeye.so/defi/price",
				Query:   map[string]string{"address": "{key}"},
				Headers: map[string]string{"x-chain": "solana"},
				Fields:  config.FieldPaths{Price: "data.value", Liquidity: "data.liquidity", Timestamp: "data.updateUnixTime"},
			},
		},
	},
	"coingecko": {
		Endpoints: []config.EndpointConfig{
			{
				URL:    "https://api.coingecko.com/api/v3/simple/price",
				Query:  map[string]string{"ids": "solana", "vs_currencies": "usd", "include_market_cap": "true"},
				Fields: config.FieldPaths{Price: "solana.usd", MarketCap: "solana.usd_market_cap"},
			},
		},
	},
	"binance": {
		Endpoints: []config.EndpointConfig{
			{
				URL:    "https://api.binance.com/api/v3/ticker/price",
				Query:  map[string]string{"symbol": "{key}USDT"},
				Fields: config.FieldPaths{Price: "price"},
			},
			{
				URL:    "https://api2.binance.com/api/v3/ticker/price",
				Query:  map[string]string{"symbol": "{key}USDT"},
				Fields: config.FieldPaths{Price: "price"},
			},
		},
	},
	"cryptocompare": {
		Endpoints: []config.EndpointConfig{
			{
				URL:    "https://min-api.cryptocompare.com/data/price",
				Query:  map[string]string{"fsym": "{key}", "tsyms": "USD"},
				Fields: config.FieldPaths{Price: "USD"},
			},
		},
	},
}
