// Package provider implements config-driven HTTP JSON endpoints. Each
// endpoint requests one URL and reads the fields it needs from the response
// with gjson paths.
package provider

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"resty.dev/v3"

	"pricefetcher/internal/clock"
	"pricefetcher/internal/config"
	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/model"
	"pricefetcher/internal/ratelimit"
)

const keyPlaceholder = "{key}"

// Endpoint fetches one upstream URL for a provider.
type Endpoint struct {
	provider  string
	key       string
	priority  int
	bustCache bool
	noWait    bool

	cfg     config.EndpointConfig
	client  *resty.Client
	limiter *ratelimit.Limiter
	clock   clock.Clock
}

// Key implements fetcher.Fetcher.
func (e *Endpoint) Key() string {
	return e.key
}

// Fetch implements fetcher.Fetcher.
func (e *Endpoint) Fetch(ctx context.Context, key string) (model.RawQuote, error) {
	switch {
	case e.limiter == nil:
	case e.noWait:
		if !e.limiter.Allow(e.provider) {
			return model.RawQuote{}, fetcher.NewRateLimitError(http.StatusTooManyRequests).WithEndpoint(e.key)
		}
	default:
		if err := e.limiter.Wait(ctx, e.provider); err != nil {
			return model.RawQuote{}, fetcher.ClassifyTransportError(err).WithEndpoint(e.key)
		}
	}

	start := e.clock.Now()
	req := e.client.R().SetContext(ctx)
	for name, value := range e.cfg.Query {
		req.SetQueryParam(name, expand(value, key))
	}
	for name, value := range e.cfg.Headers {
		req.SetHeader(name, expand(value, key))
	}
	if e.bustCache {
		req.SetQueryParam("_", strconv.FormatInt(start.UnixMilli(), 10))
		req.SetQueryParam("nonce", uuid.NewString())
	}

	method := strings.ToUpper(e.cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	if e.cfg.Body != "" {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(expand(e.cfg.Body, key))
	}

	resp, err := req.Execute(method, expandURL(e.cfg.URL, key))
	if err != nil {
		// prefer the context's verdict over the transport's wording
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return model.RawQuote{}, fetcher.ClassifyTransportError(err).WithEndpoint(e.key)
	}
	if !resp.IsSuccess() {
		return model.RawQuote{}, fetcher.ClassifyHTTPError(resp.StatusCode()).WithEndpoint(e.key)
	}

	quote, err := e.parse(resp.Bytes(), key)
	if err != nil {
		return model.RawQuote{}, err
	}
	quote.Latency = e.clock.Now().Sub(start)
	if quote.Timestamp.IsZero() {
		quote.Timestamp = start
	}
	return quote, nil
}

// parse reads a RawQuote out of a JSON body.
func (e *Endpoint) parse(body []byte, key string) (model.RawQuote, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return model.RawQuote{}, fetcher.NewMalformedError("response is not valid JSON").WithEndpoint(e.key)
	}

	root := gjson.ParseBytes(body)
	if e.cfg.ListPath != "" {
		best, ok := pickEntry(root.Get(expandPath(e.cfg.ListPath, key)), expandPath(e.cfg.RankBy, key))
		if !ok {
			return model.RawQuote{}, fetcher.NewMalformedError("no entries at " + e.cfg.ListPath).WithEndpoint(e.key)
		}
		root = best
	}

	f := e.cfg.Fields
	q := model.RawQuote{
		Provider:       e.provider,
		Endpoint:       e.key,
		Priority:       e.priority,
		Price:          number(root, expandPath(f.Price, key)),
		MarketCap:      number(root, expandPath(f.MarketCap, key)),
		Liquidity:      number(root, expandPath(f.Liquidity, key)),
		Volume24h:      number(root, expandPath(f.Volume24h, key)),
		PriceChange24h: number(root, expandPath(f.PriceChange24h, key)),
		Name:           text(root, expandPath(f.Name, key)),
		Symbol:         text(root, expandPath(f.Symbol, key)),
		Timestamp:      timestamp(root, expandPath(f.Timestamp, key)),
	}

	supply := number(root, expandPath(f.Supply, key))
	if supply.Positive() {
		decimals := f.DefaultDecimals
		if d := number(root, expandPath(f.Decimals, key)); d.Valid {
			decimals = int(d.Value)
		}
		units := supply.Value / math.Pow10(decimals)
		switch {
		case !q.MarketCap.Valid && q.Price.Positive():
			q.MarketCap = model.Some(q.Price.Value * units)
		case !q.Price.Valid && q.MarketCap.Positive() && units > 0:
			q.Price = model.Some(q.MarketCap.Value / units)
		}
	}

	return q, nil
}

// pickEntry chooses the element of a JSON array with the highest rankBy
// value, or the first element when rankBy is empty.
func pickEntry(list gjson.Result, rankBy string) (gjson.Result, bool) {
	if !list.IsArray() {
		return gjson.Result{}, false
	}
	var (
		best      gjson.Result
		bestScore = math.Inf(-1)
		found     bool
	)
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		if rankBy == "" {
			best, found = item, true
			return false
		}
		score := number(item, rankBy)
		value := math.Inf(-1)
		if score.Valid {
			value = score.Value
		}
		if !found || value > bestScore {
			best, bestScore, found = item, value, true
		}
		return true
	})
	return best, found
}

// number reads a numeric value that may be encoded as a JSON number or string.
func number(root gjson.Result, path string) model.Number {
	if path == "" {
		return model.Number{}
	}
	r := root.Get(path)
	switch r.Type {
	case gjson.Number:
		return model.Some(r.Num)
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Number{}
		}
		return model.Some(v)
	default:
		return model.Number{}
	}
}

func text(root gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	r := root.Get(path)
	if r.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(r.Str)
}

// timestamp reads unix seconds or milliseconds.
func timestamp(root gjson.Result, path string) time.Time {
	n := number(root, path)
	if !n.Positive() {
		return time.Time{}
	}
	if n.Value > 1e12 {
		return time.UnixMilli(int64(n.Value))
	}
	return time.Unix(int64(n.Value), 0)
}

func expand(s, key string) string {
	return strings.ReplaceAll(s, keyPlaceholder, key)
}

func expandURL(s, key string) string {
	return strings.ReplaceAll(s, keyPlaceholder, url.PathEscape(key))
}

func expandPath(s, key string) string {
	if s == "" || !strings.Contains(s, keyPlaceholder) {
		return s
	}
	return strings.ReplaceAll(s, keyPlaceholder, gjson.Escape(key))
}
