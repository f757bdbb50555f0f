package embedder

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a cached query vector stays in Redis.
const DefaultCacheTTL = 24 * time.Hour

// Cache is the subset of the Redis client used for vector caching.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CachedEmbedder caches query vectors in Redis, keyed by model and text.
// Cache failures are logged and never fail the embedding call. Concurrent
// misses for the same text share one call to the wrapped embedder.
type CachedEmbedder struct {
	next   Embedder
	cache  Cache
	ttl    time.Duration
	prefix string
	logger *slog.Logger
	sf     singleflight.Group
}

// CacheOption is a functional option for configuring CachedEmbedder.
type CacheOption func(*CachedEmbedder)

// WithTTL sets the cache entry lifetime.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CachedEmbedder) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CachedEmbedder) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCachedEmbedder wraps next with a Redis cache.
func NewCachedEmbedder(next Embedder, cache Cache, opts ...CacheOption) *CachedEmbedder {
	c := &CachedEmbedder{
		next:   next,
		cache:  cache,
		ttl:    DefaultCacheTTL,
		prefix: "emb:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedisClient connects to the Redis instance at url (redis://host:port/db).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	data, err := c.cache.Get(ctx, key).Bytes()
	if err == nil {
		vec, decodeErr := decodeVector(data)
		if decodeErr == nil {
			return vec, nil
		}
		c.logger.Warn("discarding corrupt cached embedding", "key", key, "error", decodeErr)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	// The shared call outlives any single caller; each caller waits on its own ctx.
	shared := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		vec, err := c.next.Embed(shared, text)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(shared, key, encodeVector(vec), c.ttl).Err(); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// EmbedBatch embeds texts one by one through the cache.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text at index %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the wrapped embedder's dimension.
func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

// ModelName returns the wrapped embedder's model.
func (c *CachedEmbedder) ModelName() string {
	return c.next.ModelName()
}

func (c *CachedEmbedder) key(text string) string {
	h := sha1.New()
	_, _ = io.WriteString(h, c.next.ModelName())
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, text)
	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

// encodeVector stores a length prefix followed by little-endian float32 bits.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, errors.New("cached vector too small")
	}
	length := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) != length*4 {
		return nil, errors.New("cached vector length mismatch")
	}
	vec := make([]float32, length)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

var _ Embedder = (*CachedEmbedder)(nil)
