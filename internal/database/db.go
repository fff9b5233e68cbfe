package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/blockhaven/world/internal/config"
)

// Open connects to Postgres with the pool limits from cfg and verifies the
// connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS terrain_seeds (
		level       TEXT PRIMARY KEY,
		seed        BIGINT NOT NULL,
		tree_seed   BIGINT NOT NULL,
		stone_seed  BIGINT NOT NULL,
		coal_seed   BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE SEQUENCE IF NOT EXISTS block_write_seq`,
	`CREATE TABLE IF NOT EXISTS blocks (
		level       TEXT NOT NULL,
		x           INTEGER NOT NULL,
		y           INTEGER NOT NULL CHECK (y BETWEEN 0 AND 255),
		z           INTEGER NOT NULL,
		chunk_x     INTEGER NOT NULL,
		chunk_z     INTEGER NOT NULL,
		block_type  INTEGER,
		write_seq   BIGINT NOT NULL DEFAULT nextval('block_write_seq'),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (level, x, y, z)
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_chunk_idx ON blocks (level, chunk_x, chunk_z, write_seq)`,
}

// Migrate creates the world tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// concurrent CREATE ... IF NOT EXISTS can still race on the catalog
			if isCode(err, "23505", "42P07") {
				continue
			}
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// isCode reports whether err is a Postgres error with one of the given SQLSTATE codes.
func isCode(err error, codes ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	for _, code := range codes {
		if string(pqErr.Code) == code {
			return true
		}
	}
	return false
}

// wrapPQ wraps err with msg, naming the Postgres condition when err is a
// driver error.
func wrapPQ(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", msg, pqErr.Code.Name(), err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
