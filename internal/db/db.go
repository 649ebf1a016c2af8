package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the queue service tables. Statements are idempotent.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS session_relay`,
	`CREATE TABLE IF NOT EXISTS session_relay.pending_tasks (
		seq         BIGSERIAL PRIMARY KEY,
		url         TEXT NOT NULL UNIQUE,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session_relay.submissions (
		id          BIGSERIAL PRIMARY KEY,
		request_url TEXT NOT NULL,
		response    TEXT NOT NULL,
		matched     BOOLEAN NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Execer is the part of a pool or connection EnsureSchema needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the tables the Postgres task store uses.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
