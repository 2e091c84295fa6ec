// Package schema owns the database migrations. The SQL files are embedded
// so the binary can bring a fresh database up to date without any external
// migration directory.
package schema

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies pending migrations. A database that is already current
// is a no-op, not an error.
func Migrate(connString string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "loading embedded migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return errors.Wrap(err, "initializing migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}
