package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/latency"
	"pricefetcher/internal/model"
	"pricefetcher/internal/registry"
	"pricefetcher/internal/testutil"
)

func source(id string, priority int, endpoints ...fetcher.Fetcher) *registry.Source {
	return &registry.Source{ID: id, Category: "viral", Priority: priority, Endpoints: endpoints}
}

func newCoordinator(t *testing.T, cat Category, sources ...*registry.Source) (*Coordinator, *latency.Tracker) {
	t.Helper()
	reg := registry.New(registry.DefaultBreakerConfig(), nil, nil)
	for _, s := range sources {
		if err := reg.Register(s); err != nil {
			t.Fatalf("Register(%s) error: %v", s.ID, err)
		}
	}
	tr := latency.New(latency.Config{}, nil, reg)
	if cat.Deadline == 0 {
		cat.Deadline = 3 * time.Second
	}
	if len(cat.Required) == 0 {
		cat.Required = []string{model.FieldPrice}
	}
	return New(reg, tr, map[string]Category{"viral": cat}, Options{}), tr
}

func TestNew(t *testing.T) {
	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}},
		source("a", 1, testutil.NewMockFetcher("fetcher:a:0", testutil.PriceQuote("a", 1, 1), nil)))
	if coord == nil {
		t.Fatal("New() returned nil")
	}
	if _, ok := coord.categories["viral"]; !ok {
		t.Error("New() did not keep the category settings")
	}
}

func TestFetch_FirstValidWins(t *testing.T) {
	a := testutil.NewDelayedFetcher("fetcher:a:0", 200*time.Millisecond, model.RawQuote{}, fetcher.NewServerError(503))
	b := testutil.NewDelayedFetcher("fetcher:b:0", 30*time.Millisecond, testutil.PriceQuote("b", 5, 2), nil)
	c := testutil.NewDelayedFetcher("fetcher:c:0", 60*time.Millisecond, testutil.PriceQuote("c", 1, 3), nil)

	coord, tr := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}},
		source("a", 10, a), source("b", 5, b), source("c", 1, c))

	start := time.Now()
	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}

	if rec.Price.Value != 2 || rec.Price.Source != "b" {
		t.Errorf("price = %+v, want 2 from b", rec.Price)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("Fetch() took %v, want close to the fastest source", elapsed)
	}

	// give cancelled attempts time to unwind
	time.Sleep(250 * time.Millisecond)

	if st, ok := tr.Stat("fetcher:b:0"); !ok || st.Samples != 1 {
		t.Errorf("winner stat = %+v, %v; want one sample", st, ok)
	}
	for _, key := range []string{"fetcher:a:0", "fetcher:c:0"} {
		if st, ok := tr.Stat(key); ok {
			t.Errorf("cancelled attempt %s left a stat: %+v", key, st)
		}
	}
}

func TestFetch_TopKMergesPrioritizedSources(t *testing.T) {
	slow := testutil.NewDelayedFetcher("fetcher:p1:0", 80*time.Millisecond, testutil.PriceQuote("p1", 10, 1), nil)

	q2 := testutil.PriceQuote("p2", 5, 2)
	q2.MarketCap = model.Some(100)
	fast := testutil.NewDelayedFetcher("fetcher:p2:0", 10*time.Millisecond, q2, nil)

	q3 := testutil.PriceQuote("p3", 1, 3)
	q3.Liquidity = model.Some(50)
	faster := testutil.NewDelayedFetcher("fetcher:p3:0", 5*time.Millisecond, q3, nil)

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 2, MinWait: time.Second}},
		source("p1", 10, slow), source("p2", 5, fast), source("p3", 1, faster))

	start := time.Now()
	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Fetch() took %v, want it to resolve once p1 and p2 answered", elapsed)
	}

	tests := []struct {
		name       string
		field      model.Field
		wantValue  float64
		wantSource string
	}{
		{"price from the highest priority source", rec.Price, 1, "p1"},
		{"market cap from p2", rec.MarketCap, 100, "p2"},
		{"liquidity from p3 which answered first", rec.Liquidity, 50, "p3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field.Value != tt.wantValue || tt.field.Source != tt.wantSource {
				t.Errorf("field = %+v, want %v from %s", tt.field, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestFetch_TopKIgnoresCheapLowPrioritySources(t *testing.T) {
	best := testutil.NewDelayedFetcher("fetcher:best:0", 60*time.Millisecond, testutil.PriceQuote("best", 10, 100), nil)
	second := testutil.NewDelayedFetcher("fetcher:second:0", 50*time.Millisecond, testutil.PriceQuote("second", 5, 99), nil)
	junk1 := testutil.NewDelayedFetcher("fetcher:junk1:0", 5*time.Millisecond, testutil.PriceQuote("junk1", 1, 50), nil)
	junk2 := testutil.NewDelayedFetcher("fetcher:junk2:0", 6*time.Millisecond, testutil.PriceQuote("junk2", 1, 51), nil)

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 2, MinWait: time.Second}},
		source("best", 10, best), source("second", 5, second), source("junk1", 1, junk1), source("junk2", 1, junk2))

	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if rec.Price.Value != 100 || rec.Price.Source != "best" {
		t.Errorf("price = %+v, want 100 from best", rec.Price)
	}
}

func TestFetch_TopKFallsBackWhenPrioritizedSourcesFail(t *testing.T) {
	down := testutil.NewMockFetcher("fetcher:down:0", model.RawQuote{}, fetcher.NewServerError(503))
	backup := testutil.NewDelayedFetcher("fetcher:backup:0", 20*time.Millisecond, testutil.PriceQuote("backup", 1, 7), nil)

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 1, MinWait: time.Second}},
		source("down", 10, down), source("backup", 1, backup))

	start := time.Now()
	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if rec.Price.Value != 7 {
		t.Errorf("price = %v, want 7 from backup", rec.Price.Value)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Fetch() took %v, want the first valid answer once the top source failed", elapsed)
	}
}

func TestFetch_TopKResolvesAfterMinWait(t *testing.T) {
	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 3, MinWait: 50 * time.Millisecond}},
		source("a", 1, testutil.NewDelayedFetcher("fetcher:a:0", 10*time.Millisecond, testutil.PriceQuote("a", 1, 1), nil)),
		source("b", 1, testutil.NewDelayedFetcher("fetcher:b:0", time.Second, testutil.PriceQuote("b", 1, 2), nil)),
		source("c", 1, testutil.NewDelayedFetcher("fetcher:c:0", time.Second, testutil.PriceQuote("c", 1, 3), nil)),
	)

	start := time.Now()
	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Fetch() took %v, want about the min wait", elapsed)
	}
	if len(rec.Sources) != 1 || rec.Sources[0] != "a" {
		t.Errorf("Sources = %v, want [a]", rec.Sources)
	}
}

func TestFetch_RequestPolicyOverride(t *testing.T) {
	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 2, MinWait: time.Second}},
		source("a", 1, testutil.NewDelayedFetcher("fetcher:a:0", 10*time.Millisecond, testutil.PriceQuote("a", 1, 1), nil)),
		source("b", 1, testutil.NewDelayedFetcher("fetcher:b:0", 500*time.Millisecond, testutil.PriceQuote("b", 1, 2), nil)),
	)

	start := time.Now()
	_, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint", Policy: &Policy{Mode: ModeFirst}})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Fetch() took %v, the first-valid override should not wait for b", elapsed)
	}
}

func TestFetch_RetriesNextEndpoint(t *testing.T) {
	primary := testutil.NewMockFetcher("fetcher:pumpfun:0", model.RawQuote{}, fetcher.NewClientError(404, "not found"))
	secondary := testutil.NewMockFetcher("fetcher:pumpfun:1", testutil.PriceQuote("pumpfun", 10, 4), nil)
	third := testutil.NewMockFetcher("fetcher:pumpfun:2", testutil.PriceQuote("pumpfun", 10, 5), nil)

	tests := []struct {
		name          string
		retries       int
		wantErr       bool
		wantSecondary int64
	}{
		{name: "one retry reaches the alternate", retries: 1, wantSecondary: 1},
		{name: "no retries fails the source", retries: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := secondary.Calls()
			coord, _ := newCoordinator(t, Category{
				Policy:     Policy{Mode: ModeFirst},
				Retries:    tt.retries,
				RetryDelay: 5 * time.Millisecond,
			}, source("pumpfun", 10, primary, secondary, third))

			rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
			if tt.wantErr {
				if !fetcher.IsType(err, fetcher.ErrorTypeExhausted) {
					t.Fatalf("Fetch() error = %v, want exhausted", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() returned unexpected error: %v", err)
			}
			if rec.Price.Value != 4 {
				t.Errorf("price = %v, want 4 from the alternate endpoint", rec.Price.Value)
			}
			if got := secondary.Calls() - before; got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
		})
	}
	if third.Calls() != 0 {
		t.Errorf("third endpoint called %d times, want 0", third.Calls())
	}
}

func TestFetch_AllSourcesExhausted(t *testing.T) {
	timeout := testutil.NewDelayedFetcher("fetcher:slow:0", 5*time.Second, testutil.PriceQuote("slow", 1, 1), nil)
	notFound := testutil.NewMockFetcher("fetcher:gone:0", model.RawQuote{}, fetcher.NewClientError(404, "not found"))

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}, Deadline: 200 * time.Millisecond},
		source("slow", 10, timeout), source("gone", 5, notFound))

	_, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})

	var fe *fetcher.FetchError
	if !errors.As(err, &fe) || fe.Type != fetcher.ErrorTypeExhausted {
		t.Fatalf("Fetch() error = %v, want exhausted", err)
	}
	if got := fetcher.TypeOf(fe.Cause); got != fetcher.ErrorTypeClient {
		t.Errorf("cause type = %s, want the client error over the timeout", got)
	}
}

func TestFetch_MissingRequiredFieldIsMalformed(t *testing.T) {
	noPrice := model.RawQuote{Provider: "a", Name: "Frog"}
	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}},
		source("a", 1, testutil.NewMockFetcher("fetcher:a:0", noPrice, nil)))

	_, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})

	var fe *fetcher.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Fetch() error = %v, want *FetchError", err)
	}
	if got := fetcher.TypeOf(fe.Cause); got != fetcher.ErrorTypeMalformed {
		t.Errorf("cause type = %s, want malformed", got)
	}
}

func TestFetch_RespectsMaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	busy := func(id string) *registry.Source {
		return source(id, 1, &testutil.MockFetcher{
			KeyFunc: func() string { return "fetcher:" + id + ":0" },
			FetchFunc: func(ctx context.Context, _ string) (model.RawQuote, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return testutil.PriceQuote(id, 1, 1), nil
			},
		})
	}

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeTopK, K: 4}, MaxConcurrency: 1},
		busy("a"), busy("b"), busy("c"), busy("d"))

	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	if rec.Price.Source == "" {
		t.Error("expected a merged price")
	}
}

func TestFetch_PanickingFetcherIsContained(t *testing.T) {
	boom := &testutil.MockFetcher{
		KeyFunc:   func() string { return "fetcher:boom:0" },
		FetchFunc: func(context.Context, string) (model.RawQuote, error) { panic("upstream parser exploded") },
	}
	ok := testutil.NewDelayedFetcher("fetcher:ok:0", 20*time.Millisecond, testutil.PriceQuote("ok", 1, 7), nil)

	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}},
		source("boom", 10, boom), source("ok", 1, ok))

	rec, err := coord.Fetch(context.Background(), Request{Category: "viral", Key: "mint"})
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}
	if rec.Price.Value != 7 {
		t.Errorf("price = %v, want 7", rec.Price.Value)
	}
}

func TestFetch_Errors(t *testing.T) {
	coord, _ := newCoordinator(t, Category{Policy: Policy{Mode: ModeFirst}},
		source("a", 1, testutil.NewDelayedFetcher("fetcher:a:0", time.Second, testutil.PriceQuote("a", 1, 1), nil)))

	if _, err := coord.Fetch(context.Background(), Request{Category: "stocks", Key: "AAPL"}); err == nil {
		t.Error("expected an error for an unknown category")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coord.Fetch(ctx, Request{Category: "viral", Key: "mint"})
	if !fetcher.IsType(err, fetcher.ErrorTypeCanceled) {
		t.Errorf("Fetch() with cancelled context error = %v, want canceled", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		quote    model.RawQuote
		required []string
		wantErr  bool
	}{
		{"price present", model.RawQuote{Price: model.Some(1)}, []string{"price"}, false},
		{"price missing", model.RawQuote{}, []string{"price"}, true},
		{"price zero", model.RawQuote{Price: model.Some(0)}, []string{"price"}, true},
		{"negative change allowed", model.RawQuote{PriceChange24h: model.Some(-3)}, []string{"price_change_24h"}, false},
		{"symbol missing", model.RawQuote{Price: model.Some(1)}, []string{"price", "symbol"}, true},
		{"nothing required", model.RawQuote{}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.quote, tt.required)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
