package qms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	cacheKindPermissions = "perm"
	cacheKindRoles       = "roles"

	invalidateAll = "*"
)

// CacheConfig configures a PermissionCache.
type CacheConfig struct {
	TTL    time.Duration
	Size   int
	Prefix string
	Redis  *redis.Client
	Logger *zap.SugaredLogger
}

// PermissionCache keeps per-user derived permission data for a bounded TTL.
// The in-process tier is an expiring LRU; an optional Redis tier is shared by
// every instance, and invalidations are broadcast over Redis pub/sub.
type PermissionCache struct {
	local  *expirable.LRU[string, []string]
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
	log    *zap.SugaredLogger
}

// NewPermissionCache builds a cache. A nil Redis client keeps it process-local.
func NewPermissionCache(cfg CacheConfig) *PermissionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "qms:"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &PermissionCache{
		local:  expirable.NewLRU[string, []string](cfg.Size, nil, cfg.TTL),
		redis:  cfg.Redis,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    cfg.Logger,
	}
}

// getCacheKey generates the cache key for one kind of per-user data.
func (c *PermissionCache) getCacheKey(kind string, userID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, kind, userID)
}

func (c *PermissionCache) channel() string {
	return c.prefix + "invalidate"
}

// GetOrCreate returns the cached value or calls factory exactly once per miss,
// even under concurrent misses for the same key. Factory errors are not cached.
func (c *PermissionCache) GetOrCreate(ctx context.Context, kind string, userID uuid.UUID, factory func(context.Context) ([]string, error)) ([]string, error) {
	key := c.getCacheKey(kind, userID)
	if vals, ok := c.local.Get(key); ok {
		recordCacheLookup(kind, "hit")
		return vals, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A caller that missed above may arrive after the previous flight stored the value.
		if vals, ok := c.local.Get(key); ok {
			return vals, nil
		}
		if vals, ok := c.checkRemote(ctx, key); ok {
			recordCacheLookup(kind, "remote_hit")
			c.local.Add(key, vals)
			return vals, nil
		}
		recordCacheLookup(kind, "miss")
		vals, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if vals == nil {
			vals = []string{}
		}
		c.local.Add(key, vals)
		c.setRemote(ctx, key, vals)
		return vals, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// checkRemote reads the Redis tier. Redis failures degrade to a miss.
func (c *PermissionCache) checkRemote(ctx context.Context, key string) ([]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warnw("permission cache read failed", "key", key, "error", err)
		return nil, false
	}
	var vals []string
	if err := json.Unmarshal(raw, &vals); err != nil {
		c.log.Warnw("permission cache entry is corrupt", "key", key, "error", err)
		return nil, false
	}
	return vals, true
}

func (c *PermissionCache) setRemote(ctx context.Context, key string, vals []string) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warnw("permission cache write failed", "key", key, "error", err)
	}
}

func (c *PermissionCache) dropLocal(userID uuid.UUID) {
	c.local.Remove(c.getCacheKey(cacheKindPermissions, userID))
	c.local.Remove(c.getCacheKey(cacheKindRoles, userID))
}

// Invalidate drops every cached entry for the user on this and all other instances.
func (c *PermissionCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	c.dropLocal(userID)
	if c.redis == nil {
		return
	}
	keys := []string{
		c.getCacheKey(cacheKindPermissions, userID),
		c.getCacheKey(cacheKindRoles, userID),
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.log.Warnw("permission cache delete failed", "user_id", userID, "error", err)
	}
	if err := c.redis.Publish(ctx, c.channel(), userID.String()).Err(); err != nil {
		c.log.Warnw("permission cache invalidation publish failed", "user_id", userID, "error", err)
	}
}

// InvalidateAll clears the whole cache everywhere.
func (c *PermissionCache) InvalidateAll(ctx context.Context) {
	c.local.Purge()
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warnw("permission cache scan failed", "error", err)
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
	}
	if err := c.redis.Publish(ctx, c.channel(), invalidateAll).Err(); err != nil {
		c.log.Warnw("permission cache invalidation publish failed", "error", err)
	}
}

// StartInvalidationListener subscribes to remote invalidations and applies them
// to the local tier until ctx is cancelled. It returns once the subscription is live.
func (c *PermissionCache) StartInvalidationListener(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	sub := c.redis.Subscribe(ctx, c.channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.channel(), err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.applyRemoteInvalidation(msg.Payload)
			}
		}
	}()
	return nil
}

func (c *PermissionCache) applyRemoteInvalidation(payload string) {
	if payload == invalidateAll {
		c.local.Purge()
		return
	}
	id, err := uuid.Parse(payload)
	if err != nil {
		c.log.Warnw("ignoring malformed invalidation message", "payload", payload)
		return
	}
	c.dropLocal(id)
}

// GetCacheStats returns cache statistics
func (c *PermissionCache) GetCacheStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"prefix":        c.prefix,
		"ttl_seconds":   c.ttl.Seconds(),
		"local_entries": c.local.Len(),
		"redis_enabled": c.redis != nil,
	}
	if c.redis != nil {
		var n int
		iter := c.redis.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			n++
		}
		if iter.Err() == nil {
			stats["redis_keys"] = n
		}
	}
	return stats
}
