// Package cache holds merged records per (category, key) with per-category
// expiry, read-through loading and single-flight fetches.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pricefetcher/internal/clock"
	"pricefetcher/internal/merge"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
)

// Default bounds of the store.
const (
	DefaultStaleRetention = 10 * time.Minute
	DefaultMaxLockHold    = 10 * time.Second
	DefaultPinnedMaxAge   = 30 * time.Second
)

// Commit outcomes.
const (
	CommitWritten       = "written"
	CommitInsignificant = "insignificant"
	CommitOutdated      = "outdated"
)

// Lookup results.
const (
	LookupHit    = "hit"
	LookupMiss   = "miss"
	LookupPinned = "pinned"
	LookupStale  = "stale"
)

var (
	// ErrNoLoader is returned by Load when the store was built without a loader.
	ErrNoLoader = errors.New("cache: no loader configured")

	// ErrClosed is returned by loads started after Close.
	ErrClosed = errors.New("cache: store closed")

	errFlightGone = errors.New("cache: flight finished before it was joined")
)

// Loader fetches a fresh record for a key.
type Loader func(ctx context.Context, category, key string) (model.Record, error)

// Policy is the caching behavior of one category.
type Policy struct {
	TTL                  time.Duration
	StaleWhileRevalidate bool
	Thresholds           merge.Thresholds
}

// Options configures a Store.
type Options struct {
	Policies       map[string]Policy
	StaleRetention time.Duration
	MaxLockHold    time.Duration
	PinnedMaxAge   time.Duration

	// OnWrite is called with every record that replaced the cached payload.
	OnWrite func(model.Record)

	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Stats are the store's counters.
type Stats struct {
	Entries       int   `json:"entries"`
	Pinned        int   `json:"pinned"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleServed   int64 `json:"stale_served"`
	Loads         int64 `json:"loads"`
	LoadErrors    int64 `json:"load_errors"`
	Written       int64 `json:"written"`
	Insignificant int64 `json:"insignificant"`
	Outdated      int64 `json:"outdated"`
	Evicted       int64 `json:"evicted"`
	InFlight      int64 `json:"in_flight"`
}

type entry struct {
	mu         sync.Mutex
	record     model.Record
	created    time.Time
	validated  time.Time
	expires    time.Time
	refreshing bool
}

// flight is one loader call shared by every waiter of a ref. It is cancelled
// when its last waiter leaves or the store closes.
type flight struct {
	started time.Time
	waiters int
	cancel  context.CancelFunc
}

// Store is the tiered record cache.
type Store struct {
	loader   Loader
	policies map[string]Policy

	retention    time.Duration
	maxLockHold  time.Duration
	pinnedMaxAge time.Duration
	onWrite      func(model.Record)

	clock   clock.Clock
	metrics *metrics.Collector
	logger  *slog.Logger

	entries sync.Map // model.Ref -> *entry
	pinned  sync.Map // model.Ref -> struct{}
	group   singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // guards flights and closed
	flights  map[string]*flight
	closed   bool
	inflight sync.WaitGroup
	running  atomic.Int64

	hits, misses, staleServed        atomic.Int64
	loads, loadErrors                atomic.Int64
	written, insignificant, outdated atomic.Int64
	evicted                          atomic.Int64
}

// New creates a store that loads missing records with loader.
func New(loader Loader, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleRetention <= 0 {
		opts.StaleRetention = DefaultStaleRetention
	}
	if opts.MaxLockHold <= 0 {
		opts.MaxLockHold = DefaultMaxLockHold
	}
	if opts.PinnedMaxAge <= 0 {
		opts.PinnedMaxAge = DefaultPinnedMaxAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		ctx:          ctx,
		cancel:       cancel,
		flights:      make(map[string]*flight),
		loader:       loader,
		policies:     opts.Policies,
		retention:    opts.StaleRetention,
		maxLockHold:  opts.MaxLockHold,
		pinnedMaxAge: opts.PinnedMaxAge,
		onWrite:      opts.OnWrite,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

func (s *Store) entry(ref model.Ref) (*entry, bool) {
	v, ok := s.entries.Load(ref)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// lookup returns the entry's record and whether it may be served as fresh.
// Entries past their retention are evicted.
func (s *Store) lookup(ref model.Ref) (rec model.Record, fresh, found bool, result string) {
	e, ok := s.entry(ref)
	if !ok {
		return model.Record{}, false, false, LookupMiss
	}
	now := s.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.created.IsZero() {
		return model.Record{}, false, false, LookupMiss
	}
	if now.After(e.expires.Add(s.retention)) {
		s.entries.CompareAndDelete(ref, e)
		return model.Record{}, false, false, LookupMiss
	}
	rec = e.record.Clone()
	if now.Before(e.expires) {
		return rec, true, true, LookupHit
	}
	if s.isPinned(ref) && now.Sub(e.validated) < s.pinnedMaxAge {
		return rec, true, true, LookupPinned
	}
	return rec, false, true, LookupMiss
}

// Get returns the record for key if it is fresh. Pinned keys are served past
// their TTL while younger than the pinned max age.
func (s *Store) Get(category, key string) (model.Record, bool) {
	rec, fresh, _, result := s.lookup(model.Ref{Category: category, Key: key})
	s.count(category, result)
	if !fresh {
		return model.Record{}, false
	}
	return rec, true
}

// Peek returns the record for key even if it has expired, as long as it is
// still retained. expired reports whether the TTL has passed.
func (s *Store) Peek(category, key string) (rec model.Record, expired, ok bool) {
	rec, fresh, found, _ := s.lookup(model.Ref{Category: category, Key: key})
	return rec, !fresh, found
}

// Set commits rec for key and returns the commit outcome. A record older
// than the cached one is dropped; an insignificant one only extends the
// entry's expiry.
func (s *Store) Set(category, key string, rec model.Record) string {
	rec.Category, rec.Key = category, key
	_, outcome := s.commit(rec)
	return outcome
}

// commit stores candidate under candidate.Ref().
func (s *Store) commit(candidate model.Record) (model.Record, string) {
	ref := candidate.Ref()
	policy := s.policies[ref.Category]
	now := s.clock.Now()

	candidate = candidate.Clone()
	if candidate.FetchedAt.IsZero() {
		candidate.FetchedAt = now
	}

	v, _ := s.entries.LoadOrStore(ref, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	var prev *model.Record
	if !e.created.IsZero() {
		p := e.record
		prev = &p
	}

	var outcome string
	switch {
	case prev != nil && !prev.Stale && !prev.Fallback && candidate.AsOf.Before(prev.AsOf):
		outcome = CommitOutdated
	case !merge.Significant(policy.Thresholds, prev, candidate):
		outcome = CommitInsignificant
		e.validated = now
		e.expires = now.Add(policy.TTL)
	default:
		outcome = CommitWritten
		candidate.Significant = true
		e.record = candidate
		if e.created.IsZero() {
			e.created = now
		}
		e.validated = now
		e.expires = now.Add(policy.TTL)
	}
	out := e.record.Clone()
	if outcome != CommitWritten {
		out.Significant = false
	}
	e.mu.Unlock()

	switch outcome {
	case CommitWritten:
		s.written.Add(1)
		if s.onWrite != nil {
			s.onWrite(out.Clone())
		}
	case CommitInsignificant:
		s.insignificant.Add(1)
	case CommitOutdated:
		s.outdated.Add(1)
	}
	s.metrics.RecordCommit(ref.Category, outcome)
	return out, outcome
}

// Invalidate drops the entry for key and forgets any in-flight load.
func (s *Store) Invalidate(category, key string) {
	ref := model.Ref{Category: category, Key: key}
	s.entries.Delete(ref)
	s.detach(ref.String())
}

// InvalidatePrefix drops every entry whose category starts with prefix and
// returns how many were removed.
func (s *Store) InvalidatePrefix(prefix string) int {
	n := 0
	s.entries.Range(func(k, _ any) bool {
		ref := k.(model.Ref)
		if strings.HasPrefix(ref.Category, prefix) {
			s.entries.Delete(ref)
			s.detach(ref.String())
			n++
		}
		return true
	})
	return n
}

// Load returns the cached record for key, fetching it when missing or
// expired. Concurrent callers for the same key share one fetch. With
// stale-while-revalidate, an expired record is returned at once while a
// refresh runs in the background. force skips the cache.
func (s *Store) Load(ctx context.Context, category, key string, force bool) (model.Record, error) {
	if s.loader == nil {
		return model.Record{}, ErrNoLoader
	}
	ref := model.Ref{Category: category, Key: key}

	if !force {
		rec, fresh, found, result := s.lookup(ref)
		if fresh {
			s.count(category, result)
			return rec, nil
		}
		if found && s.policies[category].StaleWhileRevalidate {
			s.count(category, LookupStale)
			s.revalidate(ctx, ref)
			return rec, nil
		}
		s.count(category, LookupMiss)
	}

	return s.load(ctx, ref)
}

// Refresh fetches key regardless of its cache state. It joins a fetch
// already in flight.
func (s *Store) Refresh(ctx context.Context, category, key string) (model.Record, error) {
	if s.loader == nil {
		return model.Record{}, ErrNoLoader
	}
	return s.load(ctx, model.Ref{Category: category, Key: key})
}

// load waits for the shared flight of ref, starting one when none is
// running. A flight older than the max lock hold is released and replaced
// once; later waiters join the replacement.
func (s *Store) load(ctx context.Context, ref model.Ref) (model.Record, error) {
	for {
		f, ch, err := s.join(ref)
		if err != nil {
			return model.Record{}, err
		}
		rec, rejoin, err := s.await(ctx, ref.String(), f, ch)
		if !rejoin {
			return rec, err
		}
	}
}

// join registers the caller as a waiter of the current flight for ref.
func (s *Store) join(ref model.Ref) (*flight, <-chan singleflight.Result, error) {
	name := ref.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flights[name]; ok {
		f.waiters++
		return f, s.group.DoChan(name, func() (any, error) { return nil, errFlightGone }), nil
	}
	if s.closed {
		return nil, nil, ErrClosed
	}

	fctx, cancel := context.WithCancel(s.ctx)
	f := &flight{started: time.Now(), waiters: 1, cancel: cancel}
	s.flights[name] = f
	s.inflight.Add(1)
	s.running.Add(1)

	// a finishing call may still be registered with the group
	s.group.Forget(name)
	return f, s.group.DoChan(name, s.loadFunc(fctx, ref, f)), nil
}

func (s *Store) await(ctx context.Context, name string, f *flight, ch <-chan singleflight.Result) (model.Record, bool, error) {
	hold := time.NewTimer(s.maxLockHold - time.Since(f.started))
	defer hold.Stop()
	defer s.leave(name, f)

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Record{}, false, res.Err
		}
		return res.Val.(model.Record).Clone(), false, nil
	case <-hold.C:
		s.release(name, f)
		return model.Record{}, true, nil
	case <-ctx.Done():
		return model.Record{}, false, ctx.Err()
	}
}

// release unregisters f if it is still the current flight of name, so the
// next caller starts a fresh fetch.
func (s *Store) release(name string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flights[name] != f {
		return
	}
	s.logger.Warn("cache flight exceeded max hold, starting a fresh fetch",
		"ref", name,
		"max_lock_hold", s.maxLockHold)
	delete(s.flights, name)
	s.group.Forget(name)
}

// leave drops a waiter from f and cancels f when it was the last one.
func (s *Store) leave(name string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if s.flights[name] == f {
		delete(s.flights, name)
		s.group.Forget(name)
	}
	f.cancel()
}

// detach unregisters the current flight of name. Its waiters keep waiting.
func (s *Store) detach(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flights[name]; ok {
		delete(s.flights, name)
		s.group.Forget(name)
	}
}

func (s *Store) loadFunc(ctx context.Context, ref model.Ref, f *flight) func() (any, error) {
	name := ref.String()
	return func() (any, error) {
		defer func() {
			s.mu.Lock()
			if s.flights[name] == f {
				delete(s.flights, name)
			}
			s.mu.Unlock()
			f.cancel()
			s.running.Add(-1)
			s.inflight.Done()
		}()

		s.loads.Add(1)
		rec, err := s.loader(ctx, ref.Category, ref.Key)
		if err == nil {
			// abandoned or shut down while loading
			err = ctx.Err()
		}
		if err != nil {
			s.loadErrors.Add(1)
			return nil, err
		}
		rec.Category, rec.Key = ref.Category, ref.Key
		out, _ := s.commit(rec)
		return out, nil
	}
}

// revalidate starts one background refresh of an expired entry.
func (s *Store) revalidate(ctx context.Context, ref model.Ref) {
	e, ok := s.entry(ref)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	bctx := context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		defer func() {
			e.mu.Lock()
			e.refreshing = false
			e.mu.Unlock()
		}()
		if _, err := s.load(bctx, ref); err != nil {
			s.logger.Debug("background revalidation failed", "ref", ref.String(), "error", err)
		}
	}()
}

// Close cancels every in-flight load and waits for the loaders to return.
// Loads started afterwards fail with ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pin marks key as high priority.
func (s *Store) Pin(category, key string) {
	s.pinned.Store(model.Ref{Category: category, Key: key}, struct{}{})
}

// Unpin removes key from the high-priority set.
func (s *Store) Unpin(category, key string) {
	s.pinned.Delete(model.Ref{Category: category, Key: key})
}

func (s *Store) isPinned(ref model.Ref) bool {
	_, ok := s.pinned.Load(ref)
	return ok
}

// Pinned returns the high-priority keys, sorted.
func (s *Store) Pinned() []model.Ref {
	var refs []model.Ref
	s.pinned.Range(func(k, _ any) bool {
		refs = append(refs, k.(model.Ref))
		return true
	})
	slices.SortFunc(refs, func(a, b model.Ref) int {
		return strings.Compare(a.String(), b.String())
	})
	return refs
}

// Sweep evicts entries whose stale retention has passed and returns how
// many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	evicted, size := 0, 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		expired := !e.created.IsZero() && now.After(e.expires.Add(s.retention))
		e.mu.Unlock()
		if expired {
			s.entries.CompareAndDelete(k, e)
			evicted++
		} else {
			size++
		}
		return true
	})
	s.evicted.Add(int64(evicted))
	s.metrics.RecordEvicted(evicted)
	s.metrics.RecordCacheSize(size)
	return evicted
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("cache sweep", "evicted", n)
			}
		}
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		StaleServed:   s.staleServed.Load(),
		Loads:         s.loads.Load(),
		LoadErrors:    s.loadErrors.Load(),
		Written:       s.written.Load(),
		Insignificant: s.insignificant.Load(),
		Outdated:      s.outdated.Load(),
		Evicted:       s.evicted.Load(),
		InFlight:      s.running.Load(),
	}
	s.entries.Range(func(_, _ any) bool {
		st.Entries++
		return true
	})
	s.pinned.Range(func(_, _ any) bool {
		st.Pinned++
		return true
	})
	return st
}

func (s *Store) count(category, result string) {
	switch result {
	case LookupHit, LookupPinned:
		s.hits.Add(1)
	case LookupStale:
		s.staleServed.Add(1)
	default:
		s.misses.Add(1)
	}
	s.metrics.RecordLookup(category, result)
}
