// Package postgres wraps a pgx connection pool with a squirrel builder and a
// small transaction manager.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	_defaultMaxPoolSize     = 10
	_defaultConnAttempts    = 5
	_defaultBaseRetryDelay  = 500 * time.Millisecond
	_defaultMaxRetryDelay   = 5 * time.Second
	_defaultConnectDeadline = 5 * time.Second
)

// QueryExecuter is implemented by both the pool and an open transaction.
type QueryExecuter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	*pgxpool.Pool
	Builder squirrel.StatementBuilderType

	log             *zap.Logger
	maxPoolSize     int32
	maxConnAttempts int
	baseRetryDelay  time.Duration
	maxRetryDelay   time.Duration
}

type Option func(*Postgres)

func MaxPoolSize(size int) Option {
	return func(p *Postgres) {
		if size > 0 {
			p.maxPoolSize = int32(size)
		}
	}
}

func MaxConnAttempts(attempts int) Option {
	return func(p *Postgres) {
		if attempts > 0 {
			p.maxConnAttempts = attempts
		}
	}
}

func BaseRetryDelay(d time.Duration) Option {
	return func(p *Postgres) {
		if d > 0 {
			p.baseRetryDelay = d
		}
	}
}

func MaxRetryDelay(d time.Duration) Option {
	return func(p *Postgres) {
		if d > 0 {
			p.maxRetryDelay = d
		}
	}
}

// New connects to dsn, retrying with exponential backoff until the pool
// answers a ping or the attempts run out.
func New(ctx context.Context, dsn string, log *zap.Logger, opts ...Option) (*Postgres, error) {
	const op = "postgres.New"

	p := &Postgres{
		Builder:         squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		log:             log,
		maxPoolSize:     _defaultMaxPoolSize,
		maxConnAttempts: _defaultConnAttempts,
		baseRetryDelay:  _defaultBaseRetryDelay,
		maxRetryDelay:   _defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: parse dsn: %w", op, err)
	}
	poolCfg.MaxConns = p.maxPoolSize

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseRetryDelay
	bo.MaxInterval = p.maxRetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.maxConnAttempts-1)), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, _defaultConnectDeadline)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			log.Warn("postgres not ready",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		p.Pool = pool
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%s: connect after %d attempts: %w", op, attempt, err)
	}

	log.Info("postgres connected",
		zap.String("op", op),
		zap.Int32("max_pool_size", p.maxPoolSize),
	)
	return p, nil
}

func (p *Postgres) Select(columns ...string) squirrel.SelectBuilder {
	return p.Builder.Select(columns...)
}

func (p *Postgres) Insert(table string) squirrel.InsertBuilder {
	return p.Builder.Insert(table)
}

func (p *Postgres) Update(table string) squirrel.UpdateBuilder {
	return p.Builder.Update(table)
}

func (p *Postgres) Delete(table string) squirrel.DeleteBuilder {
	return p.Builder.Delete(table)
}

func (p *Postgres) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

// ExecuteInTransaction runs fn inside one transaction, rolling back when fn
// or the commit fails.
func (p *Postgres) ExecuteInTransaction(ctx context.Context, name string, fn func(tx QueryExecuter) error) (err error) {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx %s: begin: %w", name, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Error("rollback failed",
				zap.String("tx", name),
				zap.Error(rbErr),
			)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx %s: commit: %w", name, err)
	}
	return nil
}

// IsUniqueViolation reports a 23505 error from Postgres.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
