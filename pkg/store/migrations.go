package store

import (
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return apierror.Store(err, "set migration dialect")
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return apierror.Store(err, "apply migrations")
	}
	s.logger.Info("database schema up to date")
	return nil
}
