package fetcher

import "pricefetcher/internal/model"

// Result represents the outcome of a fetch attempt chain for one source.
// It's designed to be sent through channels from worker goroutines
// to the coordinator that validates and merges the results.
type Result struct {
	// Source is the provider that produced this result
	Source string

	// Endpoint is the fetcher key of the last endpoint tried
	Endpoint string

	// Quote is the normalised upstream data
	Quote model.RawQuote

	// Attempts is how many endpoints were tried for this source
	Attempts int

	// Error contains any error that occurred during the fetch operation.
	// If Error is not nil, Quote should be considered invalid.
	Error error
}
