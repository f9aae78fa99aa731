package pgx

import (
	"context"

	"github.com/lattix-ai/lattix/pkg/metrics"

	"github.com/jackc/pgx/v5"
)

// KVStore is a byte cache backed by a single table.
type KVStore struct {
	db *DB
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
`

// NewKVStore installs the kv schema and returns the store.
func NewKVStore(ctx context.Context, db *DB) (*KVStore, error) {
	if _, err := db.Pool.Exec(ctx, kvSchema); err != nil {
		return nil, wrapErr(err)
	}
	return &KVStore{db: db}, nil
}

// Get returns the value stored under key, if present.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, wrapErr(err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	metrics.RecordStoreOp("postgres-kv", "set", err)
	return wrapErr(err)
}

// Has reports whether key is present.
func (s *KVStore) Has(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM kv WHERE key = $1)`, key).Scan(&ok)
	return ok, wrapErr(err)
}

// Delete removes key. Missing keys are ignored.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	metrics.RecordStoreOp("postgres-kv", "delete", err)
	return wrapErr(err)
}

// Persist is a no-op; the database is durable.
func (s *KVStore) Persist(ctx context.Context) error { return nil }

// Load is a no-op; the database is durable.
func (s *KVStore) Load(ctx context.Context) error { return nil }
