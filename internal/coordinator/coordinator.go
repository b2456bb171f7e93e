package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"pricefetcher/internal/clock"
	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/latency"
	"pricefetcher/internal/merge"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
	"pricefetcher/internal/registry"
)

// Acceptance policy modes.
const (
	ModeFirst = "first"
	ModeTopK  = "top_k"
)

// Policy decides when a request has enough answers.
type Policy struct {
	Mode    string
	K       int
	MinWait time.Duration
}

// Category holds the fetch settings of one category.
type Category struct {
	Policy         Policy
	Deadline       time.Duration
	Retries        int
	RetryDelay     time.Duration
	MaxConcurrency int
	Required       []string
}

// Request asks for one instrument in one category. A non-nil Policy
// overrides the category's policy.
type Request struct {
	Category string
	Key      string
	Policy   *Policy
}

// Options are the optional collaborators of a Coordinator.
type Options struct {
	Metrics *metrics.Collector
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Coordinator fans a request out to every enabled source of a category and
// merges the answers that satisfy the acceptance policy.
type Coordinator struct {
	registry *registry.Registry
	tracker  *latency.Tracker
	metrics  *metrics.Collector
	clock    clock.Clock
	logger   *slog.Logger

	categories map[string]Category
}

// New creates a new Coordinator over the given registry and tracker.
func New(reg *registry.Registry, tracker *latency.Tracker, categories map[string]Category, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		registry:   reg,
		tracker:    tracker,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		categories: categories,
	}
}

// Fetch dispatches req to the category's sources in parallel and returns the
// merged record as soon as the acceptance policy is met. In top_k mode that
// is once each of the K highest-priority sources has answered or failed, or
// once MinWait has passed with at least one valid quote. Remaining attempts
// are cancelled, and attempts that finish afterwards leave no trace in the
// latency tracker or metrics. When no source answers, the error is a
// *fetcher.FetchError of type ErrorTypeExhausted wrapping the most
// informative attempt error.
func (c *Coordinator) Fetch(ctx context.Context, req Request) (model.Record, error) {
	cat, ok := c.categories[req.Category]
	if !ok {
		return model.Record{}, fmt.Errorf("unknown category %q", req.Category)
	}
	policy := cat.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}

	sources := c.registry.SourcesFor(req.Category)
	c.metrics.RecordSkippedSources(req.Category, len(c.registry.Sources(req.Category))-len(sources))
	if len(sources) == 0 {
		return model.Record{}, fetcher.NewExhaustedError(req.Category, req.Key, 0, nil)
	}

	parent := ctx
	if cat.Deadline > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, cat.Deadline)
		defer cancelDeadline()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	concurrency := cat.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(sources)
	}

	// Create a channel for collecting results
	resultChan := make(chan fetcher.Result, len(sources))
	sem := make(chan struct{}, concurrency)
	var resolved atomic.Bool

	// Launch an attempt chain for each source
	var wg conc.WaitGroup
	for _, src := range sources {
		wg.Go(func() {
			resultChan <- c.runSource(ctx, req, cat, src, sem, &resolved)
		})
	}

	// Close the result channel when all chains are done
	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			c.logger.Error("attempt chain panicked",
				"category", req.Category,
				"key", req.Key,
				"panic", r.String())
		}
		close(resultChan)
	}()

	// top_k waits for the K highest-priority sources; sources arrive sorted
	pending := make(map[string]bool, len(sources))
	if policy.Mode == ModeTopK {
		for _, src := range sources[:max(1, min(policy.K, len(sources)))] {
			pending[src.ID] = true
		}
	}
	var minWait <-chan time.Time
	if len(pending) > 1 && policy.MinWait > 0 {
		timer := time.NewTimer(policy.MinWait)
		defer timer.Stop()
		minWait = timer.C
	}

	var (
		quotes     []model.RawQuote
		cause      error
		attempts   int
		waitPassed bool
	)

	// Collect results as they arrive until the policy is satisfied
collect:
	for {
		select {
		case result, ok := <-resultChan:
			if !ok {
				break collect
			}
			attempts += result.Attempts
			delete(pending, result.Source)
			if result.Error != nil {
				if fetcher.MoreInformative(result.Error, cause) {
					cause = result.Error
				}
				if len(pending) == 0 && len(quotes) > 0 {
					break collect
				}
				continue
			}
			quotes = append(quotes, result.Quote)
			if len(pending) == 0 || waitPassed {
				break collect
			}
		case <-minWait:
			waitPassed = true
			minWait = nil
			if len(quotes) > 0 {
				break collect
			}
		case <-ctx.Done():
			break collect
		}
	}
	expired := ctx.Err() != nil
	resolved.Store(true)
	cancel()

	elapsed := time.Since(start)
	if len(quotes) == 0 {
		if err := parent.Err(); err != nil {
			c.metrics.RecordFetch(req.Category, "canceled", elapsed)
			return model.Record{}, fetcher.ClassifyTransportError(err)
		}
		if cause == nil && expired {
			cause = fetcher.NewTimeoutError(context.DeadlineExceeded)
		}
		c.metrics.RecordFetch(req.Category, string(fetcher.ErrorTypeExhausted), elapsed)
		c.logger.Warn("all sources failed",
			"category", req.Category,
			"key", req.Key,
			"attempts", attempts,
			"cause", cause)
		return model.Record{}, fetcher.NewExhaustedError(req.Category, req.Key, attempts, cause)
	}

	c.metrics.RecordFetch(req.Category, "ok", elapsed)
	return merge.Merge(req.Category, req.Key, quotes, c.clock.Now()), nil
}

// runSource tries a source's endpoints in ranked order, moving to the next
// endpoint after a failure, at most cat.Retries times.
func (c *Coordinator) runSource(ctx context.Context, req Request, cat Category, src *registry.Source, sem chan struct{}, resolved *atomic.Bool) fetcher.Result {
	candidates := make([]latency.Candidate, len(src.Endpoints))
	byKey := make(map[string]fetcher.Fetcher, len(src.Endpoints))
	for i, ep := range src.Endpoints {
		candidates[i] = latency.Candidate{Endpoint: ep.Key(), Priority: len(src.Endpoints) - i}
		byKey[ep.Key()] = ep
	}
	ranked := c.tracker.Rank(req.Category, candidates)

	result := fetcher.Result{Source: src.ID}
	for i := 0; i < len(ranked) && i <= cat.Retries; i++ {
		if i > 0 && cat.RetryDelay > 0 {
			timer := time.NewTimer(cat.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			if result.Error == nil {
				result.Error = fetcher.ClassifyTransportError(ctx.Err())
			}
			return result
		}

		ep := byKey[ranked[i].Endpoint]
		result.Endpoint = ep.Key()
		quote, took, err := c.attempt(ctx, req, cat, ep)
		<-sem
		result.Attempts++

		if resolved.Load() {
			c.metrics.RecordDiscarded(req.Category, 1)
			result.Error = fetcher.NewCanceledError(context.Canceled)
			return result
		}

		kind := fetcher.TypeOf(err)
		if err == nil || kind != fetcher.ErrorTypeCanceled {
			c.tracker.Record(ep.Key(), took, err == nil)
			outcome := "ok"
			if err != nil {
				outcome = string(kind)
			}
			c.metrics.RecordAttempt(req.Category, src.ID, outcome, took)
		}

		if err == nil {
			result.Quote = quote
			result.Error = nil
			return result
		}

		result.Error = err
		c.logger.Debug("attempt failed",
			"category", req.Category,
			"key", req.Key,
			"endpoint", ep.Key(),
			"error", err)
		if kind == fetcher.ErrorTypeCanceled {
			return result
		}
	}
	return result
}

// attempt runs one endpoint under its adaptive timeout and validates the answer.
func (c *Coordinator) attempt(ctx context.Context, req Request, cat Category, ep fetcher.Fetcher) (model.RawQuote, time.Duration, error) {
	timeout := c.tracker.TimeoutFor(ep.Key(), req.Category)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	quote, err := ep.Fetch(actx, req.Key)
	took := time.Since(start)
	if err != nil {
		// fetchers that do not classify their own errors
		if fetcher.TypeOf(err) == fetcher.ErrorTypeUnknown {
			if ctxErr := actx.Err(); ctxErr != nil {
				err = fetcher.ClassifyTransportError(fmt.Errorf("%w: %w", ctxErr, err))
			}
		}
		return model.RawQuote{}, took, err
	}
	if quote.Latency == 0 {
		quote.Latency = took
	}
	if err := Validate(quote, cat.Required); err != nil {
		return model.RawQuote{}, took, fetcher.NewMalformedError(err.Error()).WithEndpoint(ep.Key())
	}
	return quote, took, nil
}
