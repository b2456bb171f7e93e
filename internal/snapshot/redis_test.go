package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pricefetcher/internal/model"
)

func newTestStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test", ttl), mr
}

func TestRedisStore_SaveLoad(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	asOf := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := model.Record{
		Category: "native",
		Key:      "SOL",
		Price:    model.Field{Value: 151.25, Valid: true, Source: "coingecko", At: asOf},
		Symbol:   model.Text{Value: "SOL", Source: "binance", At: asOf},
		AsOf:     asOf,
		Sources:  []string{"coingecko", "binance"},
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Load(ctx, "native", "SOL")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Price.Value != 151.25 || got.Price.Source != "coingecko" {
		t.Errorf("price = %+v", got.Price)
	}
	if !got.AsOf.Equal(asOf) {
		t.Errorf("AsOf = %v, want %v", got.AsOf, asOf)
	}
	if len(got.Sources) != 2 {
		t.Errorf("Sources = %v", got.Sources)
	}
}

func TestRedisStore_NotFound(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	_, err := store.Load(context.Background(), "token", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Expires(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, model.Record{Category: "token", Key: "mint"}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Load(ctx, "token", "mint"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after TTL error = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Delete(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	for _, ref := range []model.Ref{
		{Category: "token", Key: "a"},
		{Category: "token_info", Key: "a"},
		{Category: "native", Key: "SOL"},
	} {
		if err := store.Save(ctx, model.Record{Category: ref.Category, Key: ref.Key}); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}

	n, err := store.DeletePrefix(ctx, "token")
	if err != nil {
		t.Fatalf("DeletePrefix() error: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix() = %d, want 2", n)
	}

	if err := store.Delete(ctx, "native", "SOL"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys left = %v", keys)
	}
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Dial(context.Background(), Options{Addr: mr.Addr(), Prefix: "pf"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}

	if _, err := Dial(context.Background(), Options{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("Dial() to a closed server should fail")
	}
}
