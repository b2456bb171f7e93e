// Package latency keeps per-endpoint latency and success statistics and turns
// them into adaptive timeouts and endpoint rankings.
package latency

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"pricefetcher/internal/clock"
)

// Tracker defaults.
const (
	DefaultAlpha        = 0.3
	DefaultWindow       = 50
	DefaultMultiplier   = 2.0
	DefaultMargin       = 200 * time.Millisecond
	DefaultMinTimeout   = 800 * time.Millisecond
	DefaultFloorTimeout = 2 * time.Second
	DefaultMaxTimeout   = 4 * time.Second

	// below this success ratio timeouts are stretched by degradedFactor
	degradedSuccess = 0.7
	degradedFactor  = 1.5
)

// Config configures a Tracker.
type Config struct {
	Alpha   float64
	Window  int
	Weights Weights
}

// Bounds are the adaptive timeout limits of one category.
type Bounds struct {
	Min        time.Duration
	Floor      time.Duration
	Max        time.Duration
	Multiplier float64
	Margin     time.Duration
}

// DefaultBounds returns the default timeout bounds.
func DefaultBounds() Bounds {
	return Bounds{
		Min:        DefaultMinTimeout,
		Floor:      DefaultFloorTimeout,
		Max:        DefaultMaxTimeout,
		Multiplier: DefaultMultiplier,
		Margin:     DefaultMargin,
	}
}

// Weights combine priority, success and latency into a ranking score.
type Weights struct {
	Priority float64
	Success  float64
	Latency  float64
}

// DefaultWeights returns the default ranking weights.
func DefaultWeights() Weights {
	return Weights{Priority: 0.5, Success: 0.3, Latency: 0.2}
}

// Observer is told about every recorded outcome. The registry uses it to
// drive its circuit breakers.
type Observer interface {
	ObserveEndpoint(endpoint string, success bool)
}

// Stat is a point-in-time view of one endpoint's statistics.
type Stat struct {
	Endpoint     string        `json:"endpoint"`
	EWMA         time.Duration `json:"ewma"`
	SuccessRatio float64       `json:"success_ratio"`
	Samples      int           `json:"samples"`
	LastUpdated  time.Time     `json:"last_updated"`
}

// Candidate is an endpoint offered for ranking.
type Candidate struct {
	Endpoint string
	Priority int
}

type endpointStat struct {
	mu      sync.Mutex
	ewma    float64
	hasEWMA bool
	window  []bool
	next    int
	filled  int
	samples int
	updated time.Time
}

func (s *endpointStat) successRatio() float64 {
	if s.filled == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(s.filled)
}

// Tracker records attempt outcomes per endpoint.
type Tracker struct {
	cfg      Config
	clock    clock.Clock
	observer Observer

	stats  sync.Map // endpoint -> *endpointStat
	bounds sync.Map // category -> Bounds
}

// New creates a Tracker. observer may be nil.
func New(cfg Config, clk clock.Clock, observer Observer) *Tracker {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{cfg: cfg, clock: clk, observer: observer}
}

// SetBounds sets the timeout bounds for a category.
func (t *Tracker) SetBounds(category string, b Bounds) {
	t.bounds.Store(category, b)
}

// Bounds returns the timeout bounds of a category.
func (t *Tracker) Bounds(category string) Bounds {
	if b, ok := t.bounds.Load(category); ok {
		return b.(Bounds)
	}
	return DefaultBounds()
}

func (t *Tracker) stat(endpoint string) *endpointStat {
	if s, ok := t.stats.Load(endpoint); ok {
		return s.(*endpointStat)
	}
	s, _ := t.stats.LoadOrStore(endpoint, &endpointStat{window: make([]bool, t.cfg.Window)})
	return s.(*endpointStat)
}

// Record stores the outcome of a completed attempt. Cancelled attempts must
// not be recorded. Only successful attempts feed the latency average.
func (t *Tracker) Record(endpoint string, latency time.Duration, success bool) {
	s := t.stat(endpoint)

	s.mu.Lock()
	if success {
		if s.hasEWMA {
			s.ewma = t.cfg.Alpha*float64(latency) + (1-t.cfg.Alpha)*s.ewma
		} else {
			s.ewma = float64(latency)
			s.hasEWMA = true
		}
	}
	s.window[s.next] = success
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}
	s.samples++
	s.updated = t.clock.Now()
	s.mu.Unlock()

	if t.observer != nil {
		t.observer.ObserveEndpoint(endpoint, success)
	}
}

// TimeoutFor returns the adaptive timeout for the next attempt against endpoint.
// The result always lies within the category's [Min, Max].
func (t *Tracker) TimeoutFor(endpoint, category string) time.Duration {
	b := t.Bounds(category)

	var (
		seen    bool
		base    float64
		success float64
	)
	if v, ok := t.stats.Load(endpoint); ok {
		s := v.(*endpointStat)
		s.mu.Lock()
		seen = s.samples > 0
		if s.hasEWMA {
			base = s.ewma
		}
		success = s.successRatio()
		s.mu.Unlock()
	}

	if !seen {
		return clamp(b.Floor, b.Min, b.Max)
	}
	if base == 0 {
		base = float64(b.Floor)
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	timeout := time.Duration(base*mult) + b.Margin
	if success < degradedSuccess {
		timeout = time.Duration(float64(timeout) * degradedFactor)
	}
	return clamp(timeout, b.Min, b.Max)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if hi > 0 && d > hi {
		d = hi
	}
	if d < lo {
		d = lo
	}
	return d
}

// Rank orders endpoints by a weighted score of priority, success ratio and
// latency relative to the category's maximum timeout. Unseen endpoints get a
// neutral latency score. Ties keep the input order.
func (t *Tracker) Rank(category string, endpoints []Candidate) []Candidate {
	if len(endpoints) < 2 {
		return slices.Clone(endpoints)
	}
	maxTimeout := float64(t.Bounds(category).Max)
	maxPriority := 0
	for _, c := range endpoints {
		maxPriority = max(maxPriority, c.Priority)
	}

	type scored struct {
		Candidate
		score float64
	}
	w := t.cfg.Weights
	ranked := make([]scored, len(endpoints))
	for i, c := range endpoints {
		prio := 0.0
		if maxPriority > 0 {
			prio = float64(c.Priority) / float64(maxPriority)
		}
		success, speed := 1.0, 0.5
		if st, ok := t.Stat(c.Endpoint); ok {
			success = st.SuccessRatio
			if st.EWMA > 0 && maxTimeout > 0 {
				speed = max(0, 1-float64(st.EWMA)/maxTimeout)
			}
		}
		ranked[i] = scored{Candidate: c, score: w.Priority*prio + w.Success*success + w.Latency*speed}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	out := make([]Candidate, len(ranked))
	for i, r := range ranked {
		out[i] = r.Candidate
	}
	return out
}

// Stat returns the statistics of one endpoint.
func (t *Tracker) Stat(endpoint string) (Stat, bool) {
	v, ok := t.stats.Load(endpoint)
	if !ok {
		return Stat{}, false
	}
	s := v.(*endpointStat)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stat{
		Endpoint:     endpoint,
		EWMA:         time.Duration(s.ewma),
		SuccessRatio: s.successRatio(),
		Samples:      s.samples,
		LastUpdated:  s.updated,
	}, true
}

// Snapshot returns the statistics of every endpoint seen so far, sorted by endpoint.
func (t *Tracker) Snapshot() []Stat {
	var out []Stat
	t.stats.Range(func(k, _ any) bool {
		if st, ok := t.Stat(k.(string)); ok {
			out = append(out, st)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Stat) int { return cmp.Compare(a.Endpoint, b.Endpoint) })
	return out
}
