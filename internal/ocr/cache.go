package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores extraction results keyed by CacheKey. Entries older than the
// cache's TTL are treated as absent.
type Cache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, res Result) error
	Invalidate(ctx context.Context, key string) error
}

// CacheKey identifies a document's content for one backend.
func CacheKey(backend string, data []byte) string {
	sum := sha256.Sum256(data)
	return backend + ":" + hex.EncodeToString(sum[:])
}

// Cached wraps an Extractor with a Cache. Cache failures are logged and fall
// through to the backend; only successful extractions are stored.
type Cached struct {
	next  Extractor
	cache Cache
	log   *zap.Logger
}

// NewCached wraps next. A nil cache disables caching.
func NewCached(next Extractor, cache Cache, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, cache: cache, log: log}
}

// Name implements Extractor.
func (c *Cached) Name() string { return c.next.Name() }

// Extract implements Extractor.
func (c *Cached) Extract(ctx context.Context, doc Document) (Result, error) {
	if c.cache == nil {
		return c.next.Extract(ctx, doc)
	}
	key := CacheKey(c.next.Name(), doc.Data)
	res, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.log.Warn("ocr cache read failed", zap.String("key", key), zap.Error(err))
	case ok:
		c.log.Debug("ocr cache hit", zap.String("key", key))
		return res, nil
	}
	res, err = c.next.Extract(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	if err := c.cache.Set(ctx, key, res); err != nil {
		c.log.Warn("ocr cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

// Invalidate drops the cached result for doc, if any.
func (c *Cached) Invalidate(ctx context.Context, data []byte) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Invalidate(ctx, CacheKey(c.next.Name(), data))
}

// RedisCache keeps results in Redis with a TTL; Redis expiry enforces
// staleness.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs a cache on an existing client.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "blociq:ocr:", ttl: ttl}
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) (Result, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("redis get: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return res, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate implements Cache.
func (r *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	res     Result
	expires time.Time
}

// NewMemoryCache constructs a cache whose entries expire after ttl. A zero ttl
// keeps entries until invalidated.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, key string) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Result{}, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return Result{}, false, nil
	}
	return e.res, true, nil
}

// Set implements Cache.
func (m *MemoryCache) Set(_ context.Context, key string, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if m.ttl > 0 {
		expires = m.now().Add(m.ttl)
	}
	m.entries[key] = memoryEntry{res: res, expires: expires}
	return nil
}

// Invalidate implements Cache.
func (m *MemoryCache) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
