// Package repository keeps alerts, linking state and notification events in
// Postgres, and caches channel resolution in Redis or process memory.
package repository

import (
	"errors"
	"fmt"

	"alertd/internal/entity"
	"alertd/pkg/storage/postgres"

	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func exec(db *postgres.Postgres, qe postgres.QueryExecuter) postgres.QueryExecuter {
	if qe != nil {
		return qe
	}
	return db.Pool
}

// notFound maps pgx.ErrNoRows to the given sentinel and wraps the rest.
func notFound(op string, err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func conflictOr(op string, err error) error {
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, entity.ErrConflictingData)
	}
	return fmt.Errorf("%s: %w", op, err)
}
