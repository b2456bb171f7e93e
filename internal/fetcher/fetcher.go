package fetcher

import (
	"context"

	"pricefetcher/internal/model"
)

// Fetcher is the core interface that every endpoint fetcher must implement.
// Each fetcher knows how to retrieve one endpoint's view of an instrument
// and normalise it into a RawQuote.
type Fetcher interface {
	// Fetch retrieves data for the instrument identified by key.
	// Returns a *FetchError if the fetch operation fails.
	Fetch(ctx context.Context, key string) (model.RawQuote, error)

	// Key returns a hierarchical identifier for the endpoint behind this fetcher.
	// Format: fetcher:{provider}:{endpoint}
	// Examples:
	//   - fetcher:dexscreener:0
	//   - fetcher:pumpfun:2
	Key() string
}

// EndpointKey formats the identifier returned by Fetcher.Key.
func EndpointKey(provider, endpoint string) string {
	return "fetcher:" + provider + ":" + endpoint
}
