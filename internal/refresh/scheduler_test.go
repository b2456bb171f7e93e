package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricefetcher/internal/cache"
	"pricefetcher/internal/model"
)

type mockKeys struct {
	refs []model.Ref
}

func (m *mockKeys) Pinned() []model.Ref {
	return m.refs
}

type mockRefresher struct {
	mu       sync.Mutex
	seen     map[string]int
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	err      error
}

func (m *mockRefresher) Refresh(ctx context.Context, category, key string) (model.Record, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	if m.seen == nil {
		m.seen = make(map[string]int)
	}
	m.seen[category+":"+key]++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return model.Record{}, ctx.Err()
		}
	}
	return model.Record{Category: category, Key: key}, m.err
}

func (m *mockRefresher) count(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[ref]
}

func TestScheduler_Tick(t *testing.T) {
	keys := &mockKeys{refs: []model.Ref{
		{Category: "viral", Key: "a"},
		{Category: "viral", Key: "b"},
		{Category: "token", Key: "a"},
	}}
	refresher := &mockRefresher{delay: 10 * time.Millisecond}

	s := New(Config{Interval: time.Hour, Timeout: time.Second, Concurrency: 2}, keys, refresher, nil, nil)
	s.ctx = context.Background()

	s.tick()

	for _, ref := range []string{"viral:a", "viral:b", "token:a"} {
		if got := refresher.count(ref); got != 1 {
			t.Errorf("refreshes of %s = %d, want 1", ref, got)
		}
	}
	if refresher.peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", refresher.peak.Load())
	}
	if st := s.Stats(); st.Ticks != 1 || st.Refreshed != 3 || st.Failed != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestScheduler_TickTimeout(t *testing.T) {
	keys := &mockKeys{refs: []model.Ref{{Category: "viral", Key: "slow"}}}
	refresher := &mockRefresher{delay: time.Second}

	s := New(Config{Interval: time.Hour, Timeout: 30 * time.Millisecond}, keys, refresher, nil, nil)
	s.ctx = context.Background()

	start := time.Now()
	s.tick()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("tick took %v, want it bounded by the timeout", elapsed)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}
}

func TestScheduler_CountsFailures(t *testing.T) {
	keys := &mockKeys{refs: []model.Ref{{Category: "native", Key: "SOL"}}}
	refresher := &mockRefresher{err: errors.New("all sources failed")}

	s := New(Config{Interval: time.Hour}, keys, refresher, nil, nil)
	s.ctx = context.Background()
	s.tick()

	if st := s.Stats(); st.Failed != 1 || st.Refreshed != 0 {
		t.Errorf("Stats() = %+v, want one failure", st)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	keys := &mockKeys{refs: []model.Ref{{Category: "viral", Key: "a"}}}
	refresher := &mockRefresher{}

	s := New(Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}, keys, refresher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(70 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	ticks := s.Stats().Ticks
	if ticks < 2 {
		t.Errorf("ticks = %d, want the immediate tick plus interval ticks", ticks)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.Stats().Ticks; got != ticks {
		t.Errorf("ticks after Stop = %d, want %d", got, ticks)
	}
}

// newBlockingStore returns a store whose loader blocks until its context ends
// and reports that context on loads.
func newBlockingStore(t *testing.T) (*cache.Store, <-chan context.Context) {
	t.Helper()
	loads := make(chan context.Context, 1)
	loader := func(ctx context.Context, category, key string) (model.Record, error) {
		loads <- ctx
		<-ctx.Done()
		return model.Record{}, ctx.Err()
	}
	store := cache.New(loader, cache.Options{
		Policies:    map[string]cache.Policy{"viral": {TTL: time.Second}},
		MaxLockHold: time.Minute,
	})
	store.Pin("viral", "stuck")
	t.Cleanup(func() { store.Close(context.Background()) })
	return store, loads
}

func TestScheduler_TickTimeoutCancelsStuckRefresh(t *testing.T) {
	store, loads := newBlockingStore(t)

	s := New(Config{Interval: time.Hour, Timeout: 30 * time.Millisecond}, store, store, nil, nil)
	s.ctx = context.Background()
	s.tick()

	var loadCtx context.Context
	select {
	case loadCtx = <-loads:
	case <-time.After(time.Second):
		t.Fatal("tick did not start a load")
	}
	if loadCtx.Err() == nil {
		t.Error("load is still running after the tick timed out")
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}

	deadline := time.Now().Add(time.Second)
	for store.Stats().InFlight != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out refresh was never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_StopCancelsInFlightRefresh(t *testing.T) {
	store, loads := newBlockingStore(t)

	s := New(Config{Interval: time.Hour, Timeout: 30 * time.Minute}, store, store, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var loadCtx context.Context
	select {
	case loadCtx = <-loads:
	case <-time.After(time.Second):
		t.Fatal("first tick did not start a load")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if loadCtx.Err() == nil {
		t.Error("load is still running after Stop returned")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{Interval: time.Second, Timeout: 5 * time.Second}, &mockKeys{}, &mockRefresher{}, nil, nil)
	if s.cfg.Timeout >= s.cfg.Interval {
		t.Errorf("Timeout = %v, want below the interval %v", s.cfg.Timeout, s.cfg.Interval)
	}
	if s.cfg.Concurrency != DefaultConfig().Concurrency {
		t.Errorf("Concurrency = %d, want default", s.cfg.Concurrency)
	}
}
