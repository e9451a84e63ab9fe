// Package cache holds key/serialization helpers shared by the cache
// repositories and a small typed wrapper over go-cache for local caching.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

func Key(prefix string, parts ...any) string {
	key := prefix
	for _, p := range parts {
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

func Serialize(data any) ([]byte, error) {
	res, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("cache.Serialize: marshal: %w", err)
	}
	return res, nil
}

func Deserialize(data []byte, output any) error {
	if err := json.Unmarshal(data, output); err != nil {
		return fmt.Errorf("cache.Deserialize: unmarshal: %w", err)
	}
	return nil
}

// Local is an in-process TTL cache for values of type T.
type Local[T any] struct {
	c *gocache.Cache
}

func NewLocal[T any](ttl, cleanupInterval time.Duration) *Local[T] {
	return &Local[T]{c: gocache.New(ttl, cleanupInterval)}
}

func (l *Local[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := l.c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func (l *Local[T]) Set(key string, value T) {
	l.c.SetDefault(key, value)
}

func (l *Local[T]) Delete(key string) {
	l.c.Delete(key)
}

func (l *Local[T]) Len() int {
	return l.c.ItemCount()
}
