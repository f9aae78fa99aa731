package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/lattix-ai/lattix/pkg/common"
	"github.com/lattix-ai/lattix/pkg/leaselock"
	memorystore "github.com/lattix-ai/lattix/pkg/store/memory"
	pgxstore "github.com/lattix-ai/lattix/pkg/store/pgx"
	redisstore "github.com/lattix-ai/lattix/pkg/store/redis"
)

// Options tunes the backend selected by a DSN. Zero values mean defaults:
// unlimited capacity, WeightSum accumulation.
type Options struct {
	// WeightMode selects how relationship weights combine on merge.
	WeightMode common.WeightMode

	// Dimensions is the embedding width, required by the pgvector backend.
	Dimensions int

	// MaxRecords caps stored records where the backend supports it; exceeding
	// the cap fails with CapacityExceededError. Zero means unlimited.
	MaxRecords int
}

var (
	poolMu sync.Mutex
	pools  = map[string]*pgxstore.DB{}
)

// sharedDB returns one connection pool per DSN so the vector, graph, and KV
// stores of a single engine share connections.
func sharedDB(ctx context.Context, dsn string) (*pgxstore.DB, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if db, ok := pools[dsn]; ok {
		return db, nil
	}
	db, err := pgxstore.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pools[dsn] = db
	return db, nil
}

func parseScheme(dsn string) (string, *url.URL, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", nil, fmt.Errorf("invalid store DSN %q: %w", dsn, err)
	}
	return strings.ToLower(u.Scheme), u, nil
}

// memoryPath extracts the optional persistence file from a memory:// DSN.
// memory:// is purely in-process; memory:///var/data/graph.json persists on
// Persist and reloads on Load.
func memoryPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	p := u.Path
	if u.Host != "" {
		p = u.Host + p
	}
	return p
}

// OpenVectorStore selects a VectorStore backend from a URL-style DSN.
// Supported schemes: memory, postgres.
func OpenVectorStore(ctx context.Context, dsn string, opts Options) (VectorStore, error) {
	scheme, u, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory":
		return memorystore.NewVectorStore(memorystore.VectorParams{
			Path:       memoryPath(u),
			MaxRecords: opts.MaxRecords,
		}), nil
	case "postgres", "postgresql":
		db, err := sharedDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pgxstore.NewVectorStore(ctx, db, opts.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported vector store scheme %q", scheme)
	}
}

// OpenGraphStore selects a GraphStore backend from a URL-style DSN.
// Supported schemes: memory, postgres.
func OpenGraphStore(ctx context.Context, dsn string, opts Options) (GraphStore, error) {
	scheme, u, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory":
		return memorystore.NewGraphStore(memorystore.GraphParams{
			Path:       memoryPath(u),
			WeightMode: opts.WeightMode,
			MaxRecords: opts.MaxRecords,
		}), nil
	case "postgres", "postgresql":
		db, err := sharedDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pgxstore.NewGraphStore(ctx, db, opts.WeightMode)
	default:
		return nil, fmt.Errorf("unsupported graph store scheme %q", scheme)
	}
}

// OpenRebuildGuard returns a cross-process lease guard for graph stores
// shared between processes. Embedded backends need none and get nil.
func OpenRebuildGuard(ctx context.Context, dsn string) (*leaselock.Guard, error) {
	scheme, _, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	if scheme != "postgres" && scheme != "postgresql" {
		return nil, nil
	}
	db, err := sharedDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return leaselock.NewGuard(ctx, db.Pool, leaselock.Options{Wait: true})
}

// OpenKVStore selects a KVStore backend from a URL-style DSN.
// Supported schemes: memory, postgres, redis.
func OpenKVStore(ctx context.Context, dsn string, opts Options) (KVStore, error) {
	scheme, u, err := parseScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory":
		return memorystore.NewKVStore(memorystore.KVParams{
			Path:    memoryPath(u),
			MaxKeys: opts.MaxRecords,
		}), nil
	case "postgres", "postgresql":
		db, err := sharedDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pgxstore.NewKVStore(ctx, db)
	case "redis", "rediss":
		return redisstore.NewKVStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported kv store scheme %q", scheme)
	}
}
