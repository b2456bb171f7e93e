package model

import (
	"fmt"
	"time"
)

// Number is an optional numeric value reported by an upstream source.
type Number struct {
	Value float64
	Valid bool
}

// Some returns a valid Number holding v.
func Some(v float64) Number {
	return Number{Value: v, Valid: true}
}

// Positive reports whether the number is present and strictly greater than zero.
func (n Number) Positive() bool {
	return n.Valid && n.Value > 0
}

// RawQuote is the as-received data from a single endpoint response.
// It is never modified after the fetcher returns it.
type RawQuote struct {
	Provider string
	Endpoint string
	Priority int

	Price          Number
	MarketCap      Number
	Liquidity      Number
	Volume24h      Number
	PriceChange24h Number
	Name           string
	Symbol         string

	Latency   time.Duration
	Timestamp time.Time
}

// Ref identifies a cached instrument inside a category.
type Ref struct {
	Category string
	Key      string
}

// String returns the "category:key" form used for logging and flight keys.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Category, r.Key)
}
