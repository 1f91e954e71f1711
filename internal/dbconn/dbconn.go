// Package dbconn owns the Postgres connection lifecycle referenced by
// DATABASE_URL. Schema management lives outside this service — Migrator
// below is the declared external collaborator interface for it;
// NoopMigrator is the only implementation this repo ships.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres handle the boot sequencer opens and closes.
type DB struct {
	conn *sql.DB
}

// Connect opens and pings a Postgres connection. An empty connStr is valid
// and yields a DB with no underlying connection — the core functions
// without Postgres present; DATABASE_URL only matters to the migration
// and invoice-record-keeping layers this repo does not implement.
func Connect(ctx context.Context, connStr string) (*DB, error) {
	if connStr == "" {
		return &DB{}, nil
	}

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close releases the underlying connection pool, if any.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Migrator applies schema migrations. This service never implements it
// itself; NoopMigrator is a standing placeholder so the boot sequence's
// "run migrations" step always has something to call.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// NoopMigrator implements Migrator and does nothing.
type NoopMigrator struct{}

// Migrate implements Migrator.
func (NoopMigrator) Migrate(context.Context) error { return nil }
