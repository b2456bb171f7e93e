// Package stream subscribes to a realtime trade feed over WebSocket and
// forwards each update for a subscribed key as a quote.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
)

// ProviderName is the provenance recorded on streamed quotes.
const ProviderName = "stream"

// Message results.
const (
	ResultApplied = "applied"
	ResultIgnored = "ignored"
	ResultInvalid = "invalid"
)

// ErrNotConnected is returned when a message cannot be sent.
var ErrNotConnected = errors.New("stream: not connected")

// Sink receives streamed quotes.
type Sink interface {
	Ingest(key string, quote model.RawQuote) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(key string, quote model.RawQuote) error

// Ingest calls f.
func (f SinkFunc) Ingest(key string, quote model.RawQuote) error {
	return f(key, quote)
}

// Config holds stream client configuration.
type Config struct {
	URL               string
	SubscribeMethod   string
	UnsubscribeMethod string
	KeyPath           string
	PricePath         string
	MarketCapPath     string
	Priority          int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// Stats are the client's counters.
type Stats struct {
	Connected     bool  `json:"connected"`
	Subscriptions int   `json:"subscriptions"`
	Connects      int64 `json:"connects"`
	Messages      int64 `json:"messages"`
	Applied       int64 `json:"applied"`
}

type request struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys"`
}

// Client keeps one WebSocket connection open, resubscribing after every
// reconnect.
type Client struct {
	cfg     Config
	sink    Sink
	metrics *metrics.Collector
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	keys map[string]struct{}

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected                   atomic.Bool
	connects, messages, applied atomic.Int64
}

// New creates a new Client.
func New(cfg Config, sink Sink, m *metrics.Collector, logger *slog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * cfg.ReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = "mint"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
		keys:    make(map[string]struct{}),
	}
}

// Start begins the connect/read loop.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	c.logger.Info("stream client started", "url", c.cfg.URL)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("stream client stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds key to the subscription set and subscribes at once when
// connected. Keys are resubscribed after every reconnect.
func (c *Client) Subscribe(key string) error {
	c.mu.Lock()
	if _, ok := c.keys[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	err := c.send(request{Method: c.cfg.SubscribeMethod, Keys: []string{key}})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe removes key from the subscription set.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	if _, ok := c.keys[key]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.keys, key)
	c.mu.Unlock()

	if c.cfg.UnsubscribeMethod == "" {
		return nil
	}
	err := c.send(request{Method: c.cfg.UnsubscribeMethod, Keys: []string{key}})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) subscribed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[key]
	return ok
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	subs := len(c.keys)
	c.mu.Unlock()
	return Stats{
		Connected:     c.connected.Load(),
		Subscriptions: subs,
		Connects:      c.connects.Load(),
		Messages:      c.messages.Load(),
		Applied:       c.applied.Load(),
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectDelay
	for {
		err := c.session()
		wasConnected := c.connected.Swap(false)
		if c.ctx.Err() != nil {
			return
		}
		// a session that connected resets the backoff
		if wasConnected {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.Warn("stream connection lost, reconnecting",
			"err", err,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, c.cfg.MaxReconnectDelay)
	}
}

// session dials, resubscribes and reads until the connection fails.
func (c *Client) session() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connects.Add(1)
	c.connected.Store(true)
	defer c.closeConn()

	keys := c.subscriptions()
	if len(keys) > 0 {
		if err := c.send(request{Method: c.cfg.SubscribeMethod, Keys: keys}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	c.logger.Debug("stream connected", "url", c.cfg.URL, "subscriptions", len(keys))

	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(data)
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	conn.Close()
}

func (c *Client) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handle turns one message into a quote for its key.
func (c *Client) handle(data []byte) {
	c.messages.Add(1)

	if !gjson.ValidBytes(data) {
		c.metrics.RecordStreamMessage(ResultInvalid)
		return
	}
	root := gjson.ParseBytes(data)

	key := root.Get(c.cfg.KeyPath).String()
	if key == "" || !c.subscribed(key) {
		c.metrics.RecordStreamMessage(ResultIgnored)
		return
	}

	quote := model.RawQuote{
		Provider:  ProviderName,
		Endpoint:  c.cfg.URL,
		Priority:  c.cfg.Priority,
		Timestamp: time.Now(),
	}
	if c.cfg.PricePath != "" {
		if v := root.Get(c.cfg.PricePath); v.Exists() && v.Float() > 0 {
			quote.Price = model.Some(v.Float())
		}
	}
	if c.cfg.MarketCapPath != "" {
		if v := root.Get(c.cfg.MarketCapPath); v.Exists() && v.Float() > 0 {
			quote.MarketCap = model.Some(v.Float())
		}
	}
	if !quote.Price.Valid && !quote.MarketCap.Valid {
		c.metrics.RecordStreamMessage(ResultIgnored)
		return
	}

	if err := c.sink.Ingest(key, quote); err != nil {
		c.logger.Debug("streamed quote dropped", "key", key, "err", err)
		c.metrics.RecordStreamMessage(ResultIgnored)
		return
	}
	c.applied.Add(1)
	c.metrics.RecordStreamMessage(ResultApplied)
}
