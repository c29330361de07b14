package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"estateops.com/assistant/internal/utils"
)

// Cache stores vectors by key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
}

// Cached serves repeated texts from a Cache and embeds only the misses, in one batch.
// Cache failures are logged and treated as misses.
type Cached struct {
	next      Embedder
	cache     Cache
	namespace string
	logger    *slog.Logger
}

func NewCached(next Embedder, cache Cache, namespace string, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: cache, namespace: namespace, logger: logger}
}

func (c *Cached) Dimension() int { return c.next.Dimension() }

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, t := range texts {
		v, ok, err := c.cache.Get(ctx, c.key(t))
		if err != nil {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		if ok && (c.Dimension() == 0 || len(v) == c.Dimension()) {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(missTexts, vectors, 0); err != nil {
		return nil, err
	}
	for j, v := range vectors {
		out[missIdx[j]] = v
		if err := c.cache.Set(ctx, c.key(missTexts[j]), v); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.namespace + ":" + hex.EncodeToString(sum[:])
}

// RedisCache keeps vectors as little-endian float32 blobs with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and verifies the server answers.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisCache(client, ttl), nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return utils.BytesToFloats(b), true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, vector []float32) error {
	return r.client.Set(ctx, key, utils.FloatsToBytes(vector), r.ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
