package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/merge"
	"pricefetcher/internal/model"
)

// Fallback origins.
const (
	OriginCache    = "cache"
	OriginSnapshot = "snapshot"
	OriginConstant = "constant"
)

// FallbackSource is the provenance of a configured fallback value.
const FallbackSource = "fallback"

// ErrUnknownCategory is returned for a category that is not configured.
var ErrUnknownCategory = errors.New("unknown category")

// Options tune a single price lookup.
type Options struct {
	// ForceRefresh skips the cached value.
	ForceRefresh bool
	// FastPath uses the fast category instead of the default one.
	FastPath bool
}

// GetPrice returns the record of instrument from the default category, or
// from the fast category when opts.FastPath is set.
func (e *Engine) GetPrice(ctx context.Context, instrument string, opts Options) (model.Record, error) {
	category := e.cfg.Engine.DefaultCategory
	if opts.FastPath {
		category = e.cfg.Engine.FastCategory
	}
	return e.Get(ctx, category, instrument, opts.ForceRefresh)
}

// Get returns the record of key in category, served from the cache when
// fresh. When every source fails, the newest degraded answer available is
// returned instead with Stale set: the expired cache entry, then the shared
// snapshot, then the category's fallback value. The failure is carried in
// the record's Warning. Without any of these the typed fetch error is
// returned.
func (e *Engine) Get(ctx context.Context, category, key string, force bool) (model.Record, error) {
	if _, ok := e.required[category]; !ok {
		return model.Record{}, fmt.Errorf("%w %q", ErrUnknownCategory, category)
	}

	rec, err := e.store.Load(ctx, category, key, force)
	if err == nil {
		return rec, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Record{}, fetcher.ClassifyTransportError(ctxErr)
	}
	if !fetcher.IsType(err, fetcher.ErrorTypeExhausted) {
		return model.Record{}, err
	}
	return e.fallback(ctx, category, key, err)
}

func (e *Engine) fallback(ctx context.Context, category, key string, cause error) (model.Record, error) {
	warning := fetcher.NewStaleFallbackError(cause)

	degraded := func(rec model.Record, origin string) (model.Record, error) {
		rec.Stale = true
		rec.Warning = warning.Error()
		e.fallbacks.Add(1)
		e.metrics.RecordFallback(category, origin)
		e.logger.Warn("serving degraded price",
			"category", category,
			"key", key,
			"origin", origin,
			"age", rec.Age(e.clock.Now()),
			"err", cause)
		return rec, nil
	}

	if rec, _, ok := e.store.Peek(category, key); ok {
		return degraded(rec, OriginCache)
	}

	if e.snapshot != nil {
		sctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		rec, err := e.snapshot.Load(sctx, category, key)
		cancel()
		if err == nil {
			return degraded(rec, OriginSnapshot)
		}
		e.logger.Debug("no snapshot for fallback", "category", category, "key", key, "err", err)
	}

	if value, ok := e.fallbackValues[category]; ok {
		now := e.clock.Now()
		rec := model.Record{
			Category:  category,
			Key:       key,
			Price:     model.Field{Value: value, Valid: true, Source: FallbackSource, At: now},
			AsOf:      now,
			FetchedAt: now,
			Sources:   []string{FallbackSource},
			Fallback:  true,
		}
		return degraded(rec, OriginConstant)
	}

	return model.Record{}, cause
}

// Invalidate drops instrument from every category.
func (e *Engine) Invalidate(instrument string) {
	for _, category := range e.Categories() {
		e.store.Invalidate(category, instrument)
	}
	if e.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	for _, category := range e.Categories() {
		if err := e.snapshot.Delete(ctx, category, instrument); err != nil {
			e.logger.Debug("failed to delete snapshot", "category", category, "key", instrument, "err", err)
		}
	}
}

// InvalidateCategory drops every entry of the categories starting with
// prefix and returns how many cache entries were removed.
func (e *Engine) InvalidateCategory(prefix string) int {
	n := e.store.InvalidatePrefix(prefix)
	if e.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if _, err := e.snapshot.DeletePrefix(ctx, prefix); err != nil {
			e.logger.Debug("failed to delete snapshots", "prefix", prefix, "err", err)
		}
	}
	return n
}

// MarkHighPriority pins instrument in the default and fast categories so the
// refresh scheduler keeps it warm, and subscribes it on the stream.
func (e *Engine) MarkHighPriority(instrument string) {
	for _, category := range e.priorityCategories() {
		e.store.Pin(category, instrument)
	}
	if e.stream != nil {
		if err := e.stream.Subscribe(instrument); err != nil {
			e.logger.Warn("failed to subscribe to stream", "key", instrument, "err", err)
		}
	}
}

// UnmarkHighPriority reverses MarkHighPriority.
func (e *Engine) UnmarkHighPriority(instrument string) {
	for _, category := range e.priorityCategories() {
		e.store.Unpin(category, instrument)
	}
	if e.stream != nil {
		if err := e.stream.Unsubscribe(instrument); err != nil {
			e.logger.Warn("failed to unsubscribe from stream", "key", instrument, "err", err)
		}
	}
}

func (e *Engine) priorityCategories() []string {
	if e.cfg.Engine.FastCategory == e.cfg.Engine.DefaultCategory {
		return []string{e.cfg.Engine.DefaultCategory}
	}
	return []string{e.cfg.Engine.FastCategory, e.cfg.Engine.DefaultCategory}
}

// Ingest overlays a pushed quote onto the cached record of key. A quote that
// carries only a market cap moves the price by the same ratio. The result
// goes through the cache's significance and ordering checks.
func (e *Engine) Ingest(category, key string, quote model.RawQuote) error {
	required, ok := e.required[category]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownCategory, category)
	}

	prev, _, found := e.store.Peek(category, key)
	if !found {
		prev = model.Record{Category: category, Key: key}
	}
	if !quote.Price.Valid && quote.MarketCap.Positive() && prev.Price.Valid && prev.MarketCap.Valid && prev.MarketCap.Value > 0 {
		quote.Price = model.Some(prev.Price.Value * quote.MarketCap.Value / prev.MarketCap.Value)
	}

	rec := merge.Apply(prev, quote, e.clock.Now())
	for _, name := range required {
		if f := rec.Numeric(name); f != nil && !f.Valid {
			return fmt.Errorf("ingest %s:%s: missing required field %s", category, key, name)
		}
	}

	outcome := e.store.Set(category, key, rec)
	e.logger.Debug("ingested quote",
		"category", category,
		"key", key,
		"provider", quote.Provider,
		"outcome", outcome)
	return nil
}

// ingestStream converts a streamed quote into the quote currency and
// ingests it into the stream category.
func (e *Engine) ingestStream(key string, quote model.RawQuote) error {
	if ref := e.cfg.Stream.QuoteRef; ref != "" {
		category, refKey, _ := strings.Cut(ref, ":")
		base, _, ok := e.store.Peek(category, refKey)
		if !ok || !base.Price.Valid {
			return fmt.Errorf("no %s price to convert streamed quote", ref)
		}
		if quote.Price.Valid {
			quote.Price.Value *= base.Price.Value
		}
		if quote.MarketCap.Valid {
			quote.MarketCap.Value *= base.Price.Value
		}
	}
	return e.Ingest(e.cfg.Stream.Category, key, quote)
}
