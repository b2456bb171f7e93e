package latency

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"pricefetcher/internal/clock"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string][]bool
}

func (o *recordingObserver) ObserveEndpoint(endpoint string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string][]bool)
	}
	o.calls[endpoint] = append(o.calls[endpoint], success)
}

func testBounds() Bounds {
	return Bounds{
		Min:        100 * time.Millisecond,
		Floor:      time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
}

func TestTimeoutForFirstCallUsesFloor(t *testing.T) {
	tr := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	tr.SetBounds("token", testBounds())

	if got := tr.TimeoutFor("fetcher:a:0", "token"); got != time.Second {
		t.Errorf("TimeoutFor unseen = %v, want floor 1s", got)
	}
}

func TestTimeoutForFollowsEWMA(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []struct {
			latency time.Duration
			ok      bool
		}
		want time.Duration
	}{
		{
			name: "healthy endpoint",
			outcomes: []struct {
				latency time.Duration
				ok      bool
			}{{100 * time.Millisecond, true}, {200 * time.Millisecond, true}},
			want: 300 * time.Millisecond,
		},
		{
			name: "degraded endpoint is stretched",
			outcomes: []struct {
				latency time.Duration
				ok      bool
			}{{100 * time.Millisecond, true}, {0, false}, {0, false}, {0, false}},
			want: 300 * time.Millisecond,
		},
		{
			name: "only failures fall back to the floor",
			outcomes: []struct {
				latency time.Duration
				ok      bool
			}{{0, false}},
			want: 3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(Config{Alpha: 0.5}, clock.NewFake(time.Unix(0, 0)), nil)
			tr.SetBounds("token", testBounds())
			for _, o := range tt.outcomes {
				tr.Record("ep", o.latency, o.ok)
			}
			if got := tr.TimeoutFor("ep", "token"); got != tt.want {
				t.Errorf("TimeoutFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeoutForAlwaysWithinBounds(t *testing.T) {
	b := Bounds{Min: 800 * time.Millisecond, Floor: 2 * time.Second, Max: 4 * time.Second, Multiplier: 2, Margin: 200 * time.Millisecond}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		tr := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
		tr.SetBounds("viral", b)
		n := rng.Intn(20)
		for i := 0; i < n; i++ {
			tr.Record("ep", time.Duration(rng.Int63n(int64(30*time.Second))), rng.Intn(3) > 0)
		}
		got := tr.TimeoutFor("ep", "viral")
		if got < b.Min || got > b.Max {
			t.Fatalf("run %d: TimeoutFor = %v outside [%v, %v]", run, got, b.Min, b.Max)
		}
	}
}

func TestRecordNotifiesObserverAndWindowSlides(t *testing.T) {
	obs := &recordingObserver{}
	tr := New(Config{Window: 4}, clock.NewFake(time.Unix(0, 0)), obs)

	tr.Record("ep", 0, false)
	tr.Record("ep", 0, false)
	for i := 0; i < 4; i++ {
		tr.Record("ep", 50*time.Millisecond, true)
	}

	st, ok := tr.Stat("ep")
	if !ok {
		t.Fatal("expected stat for ep")
	}
	if st.SuccessRatio != 1 {
		t.Errorf("SuccessRatio = %v, want 1 once failures left the window", st.SuccessRatio)
	}
	if st.Samples != 6 {
		t.Errorf("Samples = %d, want 6", st.Samples)
	}
	if len(obs.calls["ep"]) != 6 {
		t.Errorf("observer saw %d outcomes, want 6", len(obs.calls["ep"]))
	}
}

func TestRank(t *testing.T) {
	tr := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	tr.SetBounds("token", DefaultBounds())

	candidates := []Candidate{
		{Endpoint: "primary", Priority: 3},
		{Endpoint: "secondary", Priority: 2},
		{Endpoint: "tertiary", Priority: 1},
	}

	got := tr.Rank("token", candidates)
	for i, c := range got {
		if c.Endpoint != candidates[i].Endpoint {
			t.Fatalf("unseen endpoints should keep priority order, got %v", got)
		}
	}

	for i := 0; i < 10; i++ {
		tr.Record("primary", 0, false)
		tr.Record("secondary", 100*time.Millisecond, true)
	}
	got = tr.Rank("token", candidates)
	if got[0].Endpoint != "secondary" {
		t.Errorf("Rank()[0] = %s, want secondary after primary keeps failing", got[0].Endpoint)
	}
}

func TestSnapshotSorted(t *testing.T) {
	tr := New(Config{}, nil, nil)
	tr.Record("b", time.Millisecond, true)
	tr.Record("a", time.Millisecond, true)

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].Endpoint != "a" || snap[1].Endpoint != "b" {
		t.Errorf("Snapshot = %+v", snap)
	}
}
