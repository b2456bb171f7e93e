package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/model"
)

// MockFetcher is a mock implementation of the Fetcher interface for testing
type MockFetcher struct {
	FetchFunc func(ctx context.Context, key string) (model.RawQuote, error)
	KeyFunc   func() string

	calls atomic.Int64
}

// Fetch implements the Fetcher interface
func (m *MockFetcher) Fetch(ctx context.Context, key string) (model.RawQuote, error) {
	m.calls.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, key)
	}
	return model.RawQuote{}, nil
}

// Key implements the Fetcher interface
func (m *MockFetcher) Key() string {
	if m.KeyFunc != nil {
		return m.KeyFunc()
	}
	return "mock:key"
}

// Calls returns how many times Fetch was invoked.
func (m *MockFetcher) Calls() int64 {
	return m.calls.Load()
}

// NewMockFetcher creates a simple mock fetcher with predefined values
func NewMockFetcher(key string, quote model.RawQuote, err error) *MockFetcher {
	return &MockFetcher{
		FetchFunc: func(ctx context.Context, _ string) (model.RawQuote, error) {
			return quote, err
		},
		KeyFunc: func() string {
			return key
		},
	}
}

// NewDelayedFetcher returns a mock that answers after delay, or fails with a
// timeout if ctx ends first.
func NewDelayedFetcher(key string, delay time.Duration, quote model.RawQuote, err error) *MockFetcher {
	return &MockFetcher{
		FetchFunc: func(ctx context.Context, _ string) (model.RawQuote, error) {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				quote.Latency = delay
				return quote, err
			case <-ctx.Done():
				return model.RawQuote{}, fetcher.ClassifyTransportError(ctx.Err())
			}
		},
		KeyFunc: func() string {
			return key
		},
	}
}

// PriceQuote returns a quote carrying only a price.
func PriceQuote(provider string, priority int, price float64) model.RawQuote {
	return model.RawQuote{
		Provider:  provider,
		Priority:  priority,
		Price:     model.Some(price),
		Timestamp: time.Now(),
	}
}

// NewJSONServer starts an httptest server that answers every request with
// status and body, counting the requests it served.
func NewJSONServer(status int, body string, hits *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}
