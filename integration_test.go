package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pricefetcher/internal/config"
	"pricefetcher/internal/engine"
	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
	"pricefetcher/internal/server"
)

// mockUpstream answers every request with body after delay.
func mockUpstream(t *testing.T, delay time.Duration, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// startStack loads yaml as the config file and serves a started engine
// over HTTP.
func startStack(t *testing.T, yaml string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}

	collector := metrics.NewCollector("it")
	eng, err := engine.New(cfg, engine.Deps{Metrics: collector})
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			t.Errorf("Stop() error: %v", err)
		}
	})

	srv := server.New(server.Config{MetricsPath: cfg.HTTP.MetricsPath}, eng, collector, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getRecord(t *testing.T, url string) (model.Record, *http.Response) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var rec model.Record
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return rec, resp
}

// TestIntegration_ViralTokenFirstValid checks that the fast path answers with
// the first valid source while a slow failing source is still pending.
func TestIntegration_ViralTokenFirstValid(t *testing.T) {
	slow, _ := mockUpstream(t, 400*time.Millisecond, http.StatusInternalServerError, `{}`)
	fast, _ := mockUpstream(t, 60*time.Millisecond, http.StatusOK, `{"data":{"price":0.00012,"mc":120000}}`)
	steady, _ := mockUpstream(t, 120*time.Millisecond, http.StatusOK, `{"data":{"price":0.00013,"mc":130000}}`)

	ts := startStack(t, `
refresh:
  interval: 1h
  timeout: 1s
engine:
  default_category: viral
  fast_category: viral
categories:
  - name: viral
    ttl_class: fast
    policy:
      mode: first
    sources:
      - id: slow
        priority: 10
        endpoints:
          - url: "`+slow.URL+`/coins/{key}"
            fields: {price: data.price, market_cap: data.mc}
      - id: fast
        priority: 5
        endpoints:
          - url: "`+fast.URL+`/coins/{key}"
            fields: {price: data.price, market_cap: data.mc}
      - id: steady
        priority: 1
        endpoints:
          - url: "`+steady.URL+`/coins/{key}"
            fields: {price: data.price, market_cap: data.mc}
`)

	start := time.Now()
	rec, resp := getRecord(t, ts.URL+"/v1/price/PumpMint?fast=true")
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if rec.Price.Value != 0.00012 || rec.Price.Source != "fast" {
		t.Errorf("price = %+v, want 0.00012 from fast", rec.Price)
	}
	if rec.MarketCap.Value != 120000 {
		t.Errorf("market cap = %v, want 120000", rec.MarketCap.Value)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("answer took %v, want it bounded by the fastest valid source", elapsed)
	}
}

// TestIntegration_ConcurrentFanOut checks that sources are queried in parallel.
func TestIntegration_ConcurrentFanOut(t *testing.T) {
	var yaml strings.Builder
	yaml.WriteString(`
refresh:
  interval: 1h
  timeout: 1s
categories:
  - name: token
    policy:
      mode: top_k
      k: 4
      min_wait: 2s
    sources:
`)
	hits := make([]*atomic.Int64, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		srv, h := mockUpstream(t, 100*time.Millisecond, http.StatusOK, `{"price": 1.5}`)
		hits[i] = h
		yaml.WriteString("      - id: " + id + "\n")
		yaml.WriteString("        endpoints:\n")
		yaml.WriteString("          - url: \"" + srv.URL + "/{key}\"\n")
		yaml.WriteString("            fields: {price: price}\n")
	}
	yaml.WriteString(`  - name: viral
    sources:
      - id: a
        endpoints:
          - url: "http://127.0.0.1:1/{key}"
`)

	ts := startStack(t, yaml.String())

	start := time.Now()
	rec, resp := getRecord(t, ts.URL+"/v1/price/TOKEN")
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(rec.Sources) == 0 {
		t.Error("record should name its sources")
	}
	for i, h := range hits {
		if h.Load() != 1 {
			t.Errorf("source %d hits = %d, want 1", i, h.Load())
		}
	}
	// sequential would take at least 400ms
	if elapsed > 300*time.Millisecond {
		t.Errorf("sources likely ran sequentially: %v", elapsed)
	}
}

// TestIntegration_PartialFailures checks that one failing source does not fail
// the request and that total failure maps to 503.
func TestIntegration_PartialFailures(t *testing.T) {
	broken, _ := mockUpstream(t, 0, http.StatusInternalServerError, `{"error":"internal"}`)
	healthy, hits := mockUpstream(t, 20*time.Millisecond, http.StatusOK, `{"price": 42}`)
	dead, _ := mockUpstream(t, 0, http.StatusBadGateway, `bad gateway`)

	ts := startStack(t, `
refresh:
  interval: 1h
  timeout: 1s
engine:
  default_category: token
  fast_category: token
categories:
  - name: token
    sources:
      - id: broken
        priority: 10
        endpoints:
          - url: "`+broken.URL+`/{key}"
            fields: {price: price}
      - id: healthy
        endpoints:
          - url: "`+healthy.URL+`/{key}"
            fields: {price: price}
  - name: dead
    sources:
      - id: dead
        endpoints:
          - url: "`+dead.URL+`/{key}"
            fields: {price: price}
`)

	rec, resp := getRecord(t, ts.URL+"/v1/price/ABC")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if rec.Price.Value != 42 || hits.Load() != 1 {
		t.Errorf("price = %v from %d hits, want 42 from 1", rec.Price.Value, hits.Load())
	}

	resp, err := http.Get(ts.URL + "/v1/price/ABC?category=dead")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Type != string(fetcher.ErrorTypeExhausted) {
		t.Errorf("type = %q, want %q", body.Type, fetcher.ErrorTypeExhausted)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg       config.LogConfig
		wantDebug bool
	}{
		{cfg: config.LogConfig{Level: "debug", Format: "json"}, wantDebug: true},
		{cfg: config.LogConfig{Level: "info", Format: "text"}, wantDebug: false},
		{cfg: config.LogConfig{Level: "nonsense"}, wantDebug: false},
	}

	for _, tt := range tests {
		logger := newLogger(tt.cfg)
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
			t.Errorf("newLogger(%+v) debug enabled = %v, want %v", tt.cfg, got, tt.wantDebug)
		}
	}
}
