// Package migrations embeds the schema and applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Run migrates the database at dsn in the given direction. Being already at
// the target version is not an error.
func Run(dsn string, dir Direction) error {
	const op = "migrations.Run"

	src, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("%s: open source: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("%s: init: %w", op, err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return fmt.Errorf("%s: unknown direction %q", op, dir)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %s: %w", op, dir, err)
	}
	return nil
}
