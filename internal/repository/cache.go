package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/cache"

	goredis "github.com/go-redis/redis/v8"
)

const (
	_cacheTTL       = 5 * time.Minute
	_cacheKeyPrefix = "alertd:link"
)

func channelKey(ownerUserID string, channel entity.Channel) string {
	return cache.Key(_cacheKeyPrefix, ownerUserID, channel)
}

// RedisChannelCache shares owner → channel identity resolution between
// dispatcher replicas.
type RedisChannelCache struct {
	rdb goredis.Cmdable
	ttl time.Duration
}

func NewRedisChannelCache(rdb goredis.Cmdable, ttl time.Duration) *RedisChannelCache {
	if ttl <= 0 {
		ttl = _cacheTTL
	}
	return &RedisChannelCache{rdb: rdb, ttl: ttl}
}

func (c *RedisChannelCache) Get(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error) {
	const op = "repository.RedisChannelCache.Get"

	data, err := c.rdb.Get(ctx, channelKey(ownerUserID, channel)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var identity entity.ChannelIdentity
	if err := cache.Deserialize(data, &identity); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &identity, nil
}

func (c *RedisChannelCache) Set(ctx context.Context, ownerUserID string, identity entity.ChannelIdentity) error {
	const op = "repository.RedisChannelCache.Set"

	data, err := cache.Serialize(identity)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.rdb.Set(ctx, channelKey(ownerUserID, identity.Channel), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *RedisChannelCache) Invalidate(ctx context.Context, ownerUserID string, channel entity.Channel) error {
	const op = "repository.RedisChannelCache.Invalidate"

	if err := c.rdb.Del(ctx, channelKey(ownerUserID, channel)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LocalChannelCache is the single-node variant backed by go-cache.
type LocalChannelCache struct {
	entries *cache.Local[entity.ChannelIdentity]
}

func NewLocalChannelCache(ttl, cleanupInterval time.Duration) *LocalChannelCache {
	if ttl <= 0 {
		ttl = _cacheTTL
	}
	return &LocalChannelCache{entries: cache.NewLocal[entity.ChannelIdentity](ttl, cleanupInterval)}
}

func (c *LocalChannelCache) Get(_ context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error) {
	identity, ok := c.entries.Get(channelKey(ownerUserID, channel))
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

func (c *LocalChannelCache) Set(_ context.Context, ownerUserID string, identity entity.ChannelIdentity) error {
	c.entries.Set(channelKey(ownerUserID, identity.Channel), identity)
	return nil
}

func (c *LocalChannelCache) Invalidate(_ context.Context, ownerUserID string, channel entity.Channel) error {
	c.entries.Delete(channelKey(ownerUserID, channel))
	return nil
}
