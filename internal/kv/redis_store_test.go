package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestRedisSetAndGet(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "bat-annotations::file-1", []byte(`{"fileId":"file-1"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get(ctx, "bat-annotations::file-1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"fileId":"file-1"}` {
		t.Errorf("unexpected value %s", value)
	}

	if !s.Exists("proofmark:bat-annotations::file-1") {
		t.Error("expected key to carry the proofmark prefix")
	}
	if ttl := s.TTL("proofmark:bat-annotations::file-1"); ttl != 0 {
		t.Errorf("expected no expiry, got %v", ttl)
	}
}

func TestRedisGetMissing(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected missing key")
	}
}

func TestNewRedisStoreWithClient(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client)
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get("proofmark:k")
	if err != nil || got != "v" {
		t.Fatalf("miniredis value = %q, %v", got, err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	value := []byte("abc")
	if err := m.Set(ctx, "k", value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'x'

	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(got) != "abc" {
		t.Fatalf("Get = %q %v %v", got, ok, err)
	}
	if _, ok, _ := m.Get(ctx, "other"); ok {
		t.Fatal("unexpected key")
	}
}
