package fetcher

import (
	"log/slog"
	"time"

	"resty.dev/v3"
)

const (
	// Default retry configuration. The coordinator retries against an
	// alternate endpoint itself, so client-level retries are off unless asked for.
	defaultRetryCount       = 0
	defaultRetryWaitTime    = 100 * time.Millisecond
	defaultRetryMaxWaitTime = 1 * time.Second
)

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	BaseURL    string
	Headers    map[string]string
	RetryCount int
	RetryWait  time.Duration
	// NoCache asks intermediaries not to serve a cached response.
	NoCache bool
	Logger  *slog.Logger
}

// noCacheHeaders are sent on every request when ClientOptions.NoCache is set.
var noCacheHeaders = map[string]string{
	"Cache-Control": "no-cache, no-store, must-revalidate",
	"Pragma":        "no-cache",
	"Expires":       "0",
}

// NewHTTPClient creates a new HTTP client with retry logic and exponential backoff
func NewHTTPClient(opts ClientOptions) *resty.Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCount := opts.RetryCount
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWaitTime
	}

	client := resty.New().
		SetHeader("Accept", "application/json").
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
		AddRetryConditions(retryCondition).
		AddRetryHooks(retryHook(logger))

	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}
	if opts.NoCache {
		client.SetHeaders(noCacheHeaders)
	}
	if len(opts.Headers) > 0 {
		client.SetHeaders(opts.Headers)
	}

	return client
}

// retryCondition determines whether a request should be retried based on the response and error
func retryCondition(r *resty.Response, err error) bool {
	// Retry on network errors
	if err != nil {
		return true
	}

	switch code := r.StatusCode(); {
	case code >= 500, code == 429, code == 408:
		return true
	default:
		// Don't retry on client errors (4xx except 429)
		return false
	}
}

// retryHook logs retry attempts for observability
func retryHook(logger *slog.Logger) resty.RetryHookFunc {
	return func(r *resty.Response, err error) {
		if err != nil {
			logger.Debug("retrying request due to error",
				"url", r.Request.URL,
				"attempt", r.Request.Attempt,
				"error", err.Error())
			return
		}

		logger.Debug("retrying request due to status code",
			"url", r.Request.URL,
			"attempt", r.Request.Attempt,
			"status_code", r.StatusCode())
	}
}
