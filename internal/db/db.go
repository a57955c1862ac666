// Package db provides database connection helpers for the conversation store.
// SQLite is the default engine; PostgreSQL is available for deployments that
// need it. Both are exposed through a Pool with separate reader and writer
// connections.
package db

import (
	"fmt"

	"github.com/parleyhq/parley/internal/common/config"
)

// Open creates a connection pool from the database configuration.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(writer, reader), nil
	case "postgres":
		conn, err := OpenPostgres(cfg.PostgresDSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		// pgx pools internally; reads and writes share one *sqlx.DB.
		return NewPool(conn, conn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
