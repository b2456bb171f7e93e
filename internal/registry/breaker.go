package registry

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of a source.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls when a source is disabled.
type BreakerConfig struct {
	// Window is how far back outcomes are counted.
	Window time.Duration
	// MinSamples outcomes must be in the window before the ratio is judged.
	MinSamples int
	// FailureRatio at or above which the source is disabled.
	FailureRatio float64
	// Cooldown before a disabled source is probed again.
	Cooldown time.Duration
}

// Breaker defaults.
const (
	DefaultBreakerWindow       = 30 * time.Second
	DefaultBreakerMinSamples   = 5
	DefaultBreakerFailureRatio = 0.6
	DefaultBreakerCooldown     = 30 * time.Second
)

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:       DefaultBreakerWindow,
		MinSamples:   DefaultBreakerMinSamples,
		FailureRatio: DefaultBreakerFailureRatio,
		Cooldown:     DefaultBreakerCooldown,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window <= 0 {
		c.Window = DefaultBreakerWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultBreakerMinSamples
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = DefaultBreakerFailureRatio
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultBreakerCooldown
	}
	return c
}

type outcome struct {
	at time.Time
	ok bool
}

type breaker struct {
	mu       sync.Mutex
	current  BreakerState
	outcomes []outcome
	openedAt time.Time
}

// stateLocked promotes an open breaker to half-open once the cooldown passed.
func (b *breaker) stateLocked(now time.Time, cfg BreakerConfig) BreakerState {
	if b.current == "" {
		b.current = BreakerClosed
	}
	if b.current == BreakerOpen && now.Sub(b.openedAt) >= cfg.Cooldown {
		b.current = BreakerHalfOpen
	}
	return b.current
}

func (b *breaker) state(now time.Time, cfg BreakerConfig) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(now, cfg)
}

func (b *breaker) allow(now time.Time, cfg BreakerConfig) bool {
	return b.state(now, cfg) != BreakerOpen
}

// observe records an outcome and returns the state before and after.
func (b *breaker) observe(now time.Time, ok bool, cfg BreakerConfig) (BreakerState, BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.stateLocked(now, cfg)
	switch from {
	case BreakerOpen:
		// late result from before the trip
		return from, from
	case BreakerHalfOpen:
		if ok {
			b.current = BreakerClosed
			b.outcomes = b.outcomes[:0]
		} else {
			b.current = BreakerOpen
			b.openedAt = now
		}
		return from, b.current
	}

	b.outcomes = append(b.outcomes, outcome{at: now, ok: ok})
	cutoff := now.Add(-cfg.Window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	b.outcomes = b.outcomes[i:]

	if len(b.outcomes) < cfg.MinSamples {
		return from, from
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) >= cfg.FailureRatio {
		b.current = BreakerOpen
		b.openedAt = now
		b.outcomes = b.outcomes[:0]
	}
	return from, b.current
}
