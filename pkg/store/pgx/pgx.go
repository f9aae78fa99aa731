// Package pgx provides PostgreSQL store backends using pgx and pgvector.
// They back the postgres:// DSN scheme. Persistence is inherent, so Persist
// and Load are no-ops on every store in this package.
package pgx

import (
	"context"
	"errors"
	"net"

	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/logger"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a shared connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr(err)
	}
	logger.Debug("[Store][pgx] Connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &DB{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// wrapErr surfaces connectivity failures as StorageUnavailableError so
// callers can distinguish an unreachable database from a bad query.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &common.StorageUnavailableError{Store: "postgres", Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &common.StorageUnavailableError{Store: "postgres", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &common.StorageUnavailableError{Store: "postgres", Err: err}
	}
	return err
}
