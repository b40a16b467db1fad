package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JoshuaAFerguson/apex/internal/common/config"
)

// Open opens a writer/reader Pool for the configured backend. For sqlite
// this is a single-writer/multi-reader pair over the same file; for
// postgres both sides share one pgx-backed pool.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	case "postgres", "pgx":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		db := sqlx.NewDb(conn, "pgx")
		return NewPool(db, db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
