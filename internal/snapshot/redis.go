// Package snapshot shares last-known-good records through Redis so a
// restarted or sibling process can still serve a stale answer when every
// upstream source is failing.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pricefetcher/internal/model"
)

// DefaultTTL is how long a snapshot outlives its last write.
const DefaultTTL = time.Hour

// ErrNotFound is returned when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot: not found")

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps one JSON-encoded record per (category, key).
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "pricefetcher"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, opts.Prefix, opts.TTL), nil
}

func (s *RedisStore) key(category, key string) string {
	return fmt.Sprintf("%s:record:%s:%s", s.prefix, category, key)
}

// Save stores rec, replacing any previous snapshot of the same key.
func (s *RedisStore) Save(ctx context.Context, rec model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.Category, rec.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot of key, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, category, key string) (model.Record, error) {
	data, err := s.client.Get(ctx, s.key(category, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Record{}, ErrNotFound
		}
		return model.Record{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return rec, nil
}

// Delete removes the snapshot of key.
func (s *RedisStore) Delete(ctx context.Context, category, key string) error {
	if err := s.client.Del(ctx, s.key(category, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// DeletePrefix removes every snapshot whose category starts with prefix and
// returns how many were removed.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	match := fmt.Sprintf("%s:record:%s*", s.prefix, prefix)
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
