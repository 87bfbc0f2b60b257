package cache

import (
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis-backed cache integration test")
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func TestRedisEmbeddingCache_HitMiss(t *testing.T) {
	rdb := getTestRedis(t)
	defer rdb.Close()

	c := NewRedisEmbeddingCache(rdb, time.Minute, "test:emb")
	hash := EmbeddingQueryHash("redis test query")

	if _, ok := c.Get(hash); ok {
		t.Fatal("expected miss on empty cache")
	}

	vec := []float32{0.25, -0.5, 1.75}
	c.Set(hash, vec)

	got, ok := c.Get(hash)
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(got) != 3 || got[0] != 0.25 || got[1] != -0.5 || got[2] != 1.75 {
		t.Fatalf("unexpected vector: %v", got)
	}
}

func TestRedisEmbeddingCache_Expiry(t *testing.T) {
	rdb := getTestRedis(t)
	defer rdb.Close()

	c := NewRedisEmbeddingCache(rdb, 50*time.Millisecond, "test:emb-ttl")
	hash := EmbeddingQueryHash("expire me too")
	c.Set(hash, []float32{1.0})

	if _, ok := c.Get(hash); !ok {
		t.Fatal("expected hit immediately after set")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := c.Get(hash); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestEncodeDecodeVector_RoundTrip(t *testing.T) {
	vec := []float32{0, 1.5, -3.25, 1e10, -1e-10}
	got, err := decodeVector(encodeVector(vec))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: got %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestDecodeVector_MalformedLength(t *testing.T) {
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for non-multiple-of-4 byte length")
	}
}
