// Package merge combines partial quotes from several sources into one record
// and decides whether a new record differs enough from the cached one to matter.
package merge

import (
	"cmp"
	"math"
	"slices"
	"time"

	"pricefetcher/internal/model"
)

// Merge builds a record from quotes. Each field takes the value of the
// highest-priority quote that supplied it; values are never averaged. Ties
// in priority go to the earlier quote. Fields no quote supplied stay unset.
func Merge(category, key string, quotes []model.RawQuote, now time.Time) model.Record {
	ordered := slices.Clone(quotes)
	slices.SortStableFunc(ordered, func(a, b model.RawQuote) int {
		return cmp.Compare(b.Priority, a.Priority)
	})

	rec := model.Record{Category: category, Key: key, FetchedAt: now}
	for _, q := range ordered {
		fill(&rec, q, now, false)
	}
	finish(&rec)
	return rec
}

// Apply overlays a single quote onto prev, as for a streamed update. Fields
// the quote carries replace those in prev; the rest are kept.
func Apply(prev model.Record, q model.RawQuote, now time.Time) model.Record {
	rec := prev.Clone()
	rec.FetchedAt = now
	rec.Stale = false
	rec.Fallback = false
	rec.Warning = ""
	fill(&rec, q, now, true)
	finish(&rec)
	return rec
}

func fill(rec *model.Record, q model.RawQuote, now time.Time, overwrite bool) {
	at := q.Timestamp
	if at.IsZero() {
		at = now
	}
	for _, name := range model.NumericFields {
		n := model.QuoteNumeric(q, name)
		f := rec.Numeric(name)
		if !n.Valid || math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
			continue
		}
		if f.Valid && !overwrite {
			continue
		}
		*f = model.Field{Value: n.Value, Valid: true, Source: q.Provider, At: at}
	}
	if q.Name != "" && (rec.Name.Value == "" || overwrite) {
		rec.Name = model.Text{Value: q.Name, Source: q.Provider, At: at}
	}
	if q.Symbol != "" && (rec.Symbol.Value == "" || overwrite) {
		rec.Symbol = model.Text{Value: q.Symbol, Source: q.Provider, At: at}
	}
}

// finish recomputes AsOf and Sources from the fields.
func finish(rec *model.Record) {
	var (
		oldest  time.Time
		sources []string
	)
	note := func(source string, at time.Time) {
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
		if !slices.Contains(sources, source) {
			sources = append(sources, source)
		}
	}
	for _, name := range model.NumericFields {
		if f := rec.Numeric(name); f.Valid {
			note(f.Source, f.At)
		}
	}
	if rec.Name.Value != "" {
		note(rec.Name.Source, rec.Name.At)
	}
	if rec.Symbol.Value != "" {
		note(rec.Symbol.Source, rec.Symbol.At)
	}
	rec.AsOf = oldest
	rec.Sources = sources
}

// Thresholds are relative change limits per tracked field. A field is
// tracked when it has an entry; 0 means any change is significant.
type Thresholds map[string]float64

// Significant reports whether candidate should replace prev. A missing
// previous record, a tracked field that became available, or a tracked
// field whose relative change exceeds its threshold are significant.
func Significant(th Thresholds, prev *model.Record, candidate model.Record) bool {
	if prev == nil || prev.Empty() {
		return true
	}
	// a fallback or stale value is always replaced by real data
	if prev.Fallback || prev.Stale {
		return true
	}
	for name, limit := range th {
		switch name {
		case model.FieldName:
			if prev.Name.Value != candidate.Name.Value && candidate.Name.Value != "" {
				return true
			}
			continue
		case model.FieldSymbol:
			if prev.Symbol.Value != candidate.Symbol.Value && candidate.Symbol.Value != "" {
				return true
			}
			continue
		}

		old, cur := prev.Numeric(name), candidate.Numeric(name)
		if old == nil || !cur.Valid {
			continue
		}
		if !old.Valid {
			return true
		}
		if relChange(old.Value, cur.Value) > limit {
			return true
		}
	}
	return false
}

func relChange(old, cur float64) float64 {
	if old == cur {
		return 0
	}
	if old == 0 {
		return math.Inf(1)
	}
	return math.Abs(cur-old) / math.Abs(old)
}
