package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/llmbridge/types"
)

// DefaultCacheTTL applies when the config leaves the TTL unset.
const DefaultCacheTTL = 5 * time.Minute

// CacheConfig configures response caching for one provider.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	// RedisAddr switches the backend from in-memory to Redis when set.
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// ResponseCache stores completed chat responses keyed by request hash.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*types.ChatResponse, bool)
	Set(ctx context.Context, key string, resp *types.ChatResponse, ttl time.Duration)
}

// Cacheable reports whether a request may be served from or stored in the
// cache. Streaming requests and tool-bearing requests never are: streams
// are consumed incrementally and tool arguments make responses
// caller-state dependent.
func Cacheable(req *types.ChatRequest) bool {
	return !req.Stream && len(req.Tools) == 0
}

// CacheKey derives a deterministic key from the provider name and the
// request payload. Per-call fields (RequestID, Metadata) are excluded from
// the hash so identical requests map to the same entry regardless of the
// identifiers stamped on each call.
func CacheKey(provider string, req *types.ChatRequest) string {
	view := *req
	view.RequestID = ""
	view.Metadata = nil
	data, err := json.Marshal(struct {
		Provider string             `json:"provider"`
		Request  *types.ChatRequest `json:"request"`
	}{provider, &view})
	if err != nil {
		data = []byte(provider)
	}
	sum := sha256.Sum256(data)
	return "llmbridge:cache:" + hex.EncodeToString(sum[:16])
}

type memoryEntry struct {
	resp      *types.ChatResponse
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. Expired entries are dropped
// lazily on lookup.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*types.ChatResponse, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.resp, true
}

func (c *MemoryCache) Set(_ context.Context, key string, resp *types.ChatResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{resp: resp, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache stores responses in Redis as JSON with a server-side TTL.
// Cache faults degrade to misses; they never fail the request.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheFromConfig dials Redis from the cache config.
func NewRedisCacheFromConfig(cfg *CacheConfig) *RedisCache {
	return NewRedisCache(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
}

func (c *RedisCache) Get(ctx context.Context, key string) (*types.ChatResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *types.ChatResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, data, ttl)
}

// NewCache builds the cache the config asks for, or nil when caching is
// disabled.
func NewCache(cfg *CacheConfig) ResponseCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.RedisAddr != "" {
		return NewRedisCacheFromConfig(cfg)
	}
	return NewMemoryCache()
}
