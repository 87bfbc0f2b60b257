package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEmbeddingCache is the multi-node counterpart to EmbeddingCache: the
// same query-hash keyed vector cache, backed by Redis so embedding lookups
// are shared across every server instance instead of being per-process.
type RedisEmbeddingCache struct {
	rdb       *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisEmbeddingCache wraps an existing Redis client. keyPrefix namespaces
// entries so an embedding cache can share a Redis instance with other
// consumers without key collisions.
func NewRedisEmbeddingCache(rdb *redis.Client, ttl time.Duration, keyPrefix string) *RedisEmbeddingCache {
	return &RedisEmbeddingCache{rdb: rdb, ttl: ttl, keyPrefix: keyPrefix}
}

func (c *RedisEmbeddingCache) redisKey(queryHash string) string {
	return fmt.Sprintf("%s:%s", c.keyPrefix, queryHash)
}

// Get returns a cached embedding vector if present and not expired. It
// satisfies the same Get(queryHash) ([]float32, bool) shape as EmbeddingCache
// so callers can select either implementation interchangeably.
func (c *RedisEmbeddingCache) Get(queryHash string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := c.rdb.Get(ctx, c.redisKey(queryHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache.RedisEmbeddingCache.Get: redis error", "error", err)
		}
		return nil, false
	}

	vec, err := decodeVector(data)
	if err != nil {
		slog.Warn("cache.RedisEmbeddingCache.Get: decode error", "error", err)
		return nil, false
	}

	slog.Info("[EMBED-CACHE] redis hit", "query_hash", queryHash)
	return vec, true
}

// Set stores an embedding vector in Redis with the cache's TTL.
func (c *RedisEmbeddingCache) Set(queryHash string, vec []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.rdb.Set(ctx, c.redisKey(queryHash), encodeVector(vec), c.ttl).Err(); err != nil {
		slog.Warn("cache.RedisEmbeddingCache.Set: redis error", "error", err)
		return
	}

	slog.Info("[EMBED-CACHE] redis set", "query_hash", queryHash, "vec_dim", len(vec), "ttl_s", int(c.ttl.Seconds()))
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("cache.decodeVector: malformed vector, %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
