// Package database owns the Postgres connection pool and schema
// migrations for the invoice-agent. Everything above this package talks
// to pkg/kvstore, never to *sql.DB directly.
package database

import (
	"context"
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres and applies any pending goose migrations.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "open postgres connection")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeTransient, "ping postgres")
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "set goose dialect")
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "apply migrations")
	}

	return db, nil
}
