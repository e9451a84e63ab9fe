// Package redis builds a go-redis client with pool options and a startup
// ping retried with exponential backoff.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/go-redis/redis/v8"
)

const (
	_defaultPoolSize     = 20
	_defaultMinIdleConns = 10
	_defaultPoolTimeout  = 100 * time.Millisecond
	_defaultConnAttempts = 5
)

type Redis struct {
	*goredis.Client

	poolSize     int
	minIdleConns int
	poolTimeout  time.Duration
	connAttempts int
}

func New(ctx context.Context, addr, password string, db int, opts ...Option) (*Redis, error) {
	const op = "redis.New"

	r := &Redis{
		poolSize:     _defaultPoolSize,
		minIdleConns: _defaultMinIdleConns,
		poolTimeout:  _defaultPoolTimeout,
		connAttempts: _defaultConnAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.Client = goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     r.poolSize,
		MinIdleConns: r.minIdleConns,
		PoolTimeout:  r.poolTimeout,
	})

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.connAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(func() error {
		return r.Client.Ping(ctx).Err()
	}, policy); err != nil {
		_ = r.Client.Close()
		return nil, fmt.Errorf("%s: ping %s: %w", op, addr, err)
	}

	return r, nil
}
