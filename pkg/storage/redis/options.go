package redis

import (
	"errors"
	"time"
)

type Option func(*Redis)

func PoolSize(size int) Option {
	return func(r *Redis) {
		r.poolSize = size
	}
}

func MinIdleConns(conns int) Option {
	return func(r *Redis) {
		r.minIdleConns = conns
	}
}

func PoolTimeout(timeout time.Duration) Option {
	return func(r *Redis) {
		r.poolTimeout = timeout
	}
}

func ConnAttempts(attempts int) Option {
	return func(r *Redis) {
		r.connAttempts = attempts
	}
}

func (r *Redis) validate() error {
	if r.poolSize <= 0 {
		return errors.New("invalid poolSize: must be > 0")
	}
	if r.minIdleConns <= 0 {
		return errors.New("invalid minIdleConns: must be > 0")
	}
	if r.minIdleConns > r.poolSize {
		return errors.New("invalid minIdleConns: must be <= poolSize")
	}
	if r.poolTimeout <= 0 {
		return errors.New("invalid poolTimeout: must be > 0")
	}
	if r.connAttempts <= 0 {
		return errors.New("invalid connAttempts: must be > 0")
	}
	return nil
}
