package model

import (
	"slices"
	"time"
)

// Field names used by configuration (required fields, significance thresholds).
const (
	FieldPrice          = "price"
	FieldMarketCap      = "market_cap"
	FieldLiquidity      = "liquidity"
	FieldVolume24h      = "volume_24h"
	FieldPriceChange24h = "price_change_24h"
	FieldName           = "name"
	FieldSymbol         = "symbol"
)

// NumericFields lists the numeric field names in merge order.
var NumericFields = []string{
	FieldPrice,
	FieldMarketCap,
	FieldLiquidity,
	FieldVolume24h,
	FieldPriceChange24h,
}

// Field is a numeric value together with the source that supplied it.
type Field struct {
	Value  float64   `json:"value"`
	Valid  bool      `json:"valid"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Text is a string value together with the source that supplied it.
type Text struct {
	Value  string    `json:"value,omitempty"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Record is the merged, normalized view of an instrument for one category.
type Record struct {
	Category string `json:"category"`
	Key      string `json:"key"`

	Price          Field `json:"price"`
	MarketCap      Field `json:"market_cap"`
	Liquidity      Field `json:"liquidity"`
	Volume24h      Field `json:"volume_24h"`
	PriceChange24h Field `json:"price_change_24h"`
	Name           Text  `json:"name"`
	Symbol         Text  `json:"symbol"`

	// AsOf is the timestamp of the oldest quote that contributed a field.
	AsOf      time.Time `json:"as_of"`
	FetchedAt time.Time `json:"fetched_at"`
	Sources   []string  `json:"sources,omitempty"`

	Significant bool `json:"significant"`
	Stale       bool `json:"stale"`
	Fallback    bool `json:"fallback"`
	// Warning carries the failure that forced a stale answer.
	Warning string `json:"warning,omitempty"`
}

// Ref returns the cache reference of the record.
func (r Record) Ref() Ref {
	return Ref{Category: r.Category, Key: r.Key}
}

// Numeric returns a pointer to the numeric field with the given name, or nil.
func (r *Record) Numeric(name string) *Field {
	switch name {
	case FieldPrice:
		return &r.Price
	case FieldMarketCap:
		return &r.MarketCap
	case FieldLiquidity:
		return &r.Liquidity
	case FieldVolume24h:
		return &r.Volume24h
	case FieldPriceChange24h:
		return &r.PriceChange24h
	}
	return nil
}

// Empty reports whether no field has been populated.
func (r Record) Empty() bool {
	for _, name := range NumericFields {
		if r.Numeric(name).Valid {
			return false
		}
	}
	return r.Name.Value == "" && r.Symbol.Value == ""
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Record) Clone() Record {
	r.Sources = slices.Clone(r.Sources)
	return r
}

// Age returns how old the record's data is at now.
func (r Record) Age(now time.Time) time.Duration {
	if r.AsOf.IsZero() {
		return 0
	}
	return now.Sub(r.AsOf)
}

// QuoteNumeric returns the numeric value with the given name from a quote.
func QuoteNumeric(q RawQuote, name string) Number {
	switch name {
	case FieldPrice:
		return q.Price
	case FieldMarketCap:
		return q.MarketCap
	case FieldLiquidity:
		return q.Liquidity
	case FieldVolume24h:
		return q.Volume24h
	case FieldPriceChange24h:
		return q.PriceChange24h
	}
	return Number{}
}
