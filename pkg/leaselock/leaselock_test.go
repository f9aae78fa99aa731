package leaselock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB implements the lock table semantics in memory so the acquire,
// renew, and release paths can be exercised without Postgres.
type fakeDB struct {
	mu    sync.Mutex
	locks map[string]fakeLock
}

type fakeLock struct {
	token   string
	expires time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{locks: map[string]fakeLock{}}
}

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*string); ok {
		*p = r.key
	}
	return nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := args[0].(string)
	token := args[1].(string)
	ttl := time.Duration(args[2].(int64)) * time.Millisecond

	switch {
	case strings.Contains(sql, "INSERT INTO"):
		current, held := db.locks[key]
		if held && current.token != token && time.Now().Before(current.expires) {
			return fakeRow{err: pgx.ErrNoRows}
		}
		db.locks[key] = fakeLock{token: token, expires: time.Now().Add(ttl)}
		return fakeRow{key: key}
	case strings.Contains(sql, "UPDATE"):
		current, held := db.locks[key]
		if !held || current.token != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		db.locks[key] = fakeLock{token: token, expires: time.Now().Add(ttl)}
		return fakeRow{key: key}
	default:
		return fakeRow{err: errors.New("unexpected query")}
	}
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := args[0].(string)
	token := args[1].(string)
	if current, held := db.locks[key]; held && current.token == token {
		delete(db.locks, key)
	}
	return pgconn.CommandTag{}, nil
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	c := &Client{db: newFakeDB()}

	lease, err := c.Acquire(ctx, "community-rebuild", Options{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if lease.Context.Err() != nil {
		t.Fatal("fresh lease context already cancelled")
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatal(err)
	}

	// The key is free again.
	again, err := c.Acquire(ctx, "community-rebuild", Options{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	_ = again.Release(ctx)
}

func TestAcquireBusy(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	first := &Client{db: db}
	second := &Client{db: db}

	lease, err := first.Acquire(ctx, "community-rebuild", Options{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	if _, err := second.Acquire(ctx, "community-rebuild", Options{TTL: time.Minute}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestAcquireTakesExpiredLease(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	db.locks["community-rebuild"] = fakeLock{token: "dead-process", expires: time.Now().Add(-time.Second)}
	c := &Client{db: db}

	lease, err := c.Acquire(ctx, "community-rebuild", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("expired lease not taken over: %v", err)
	}
	_ = lease.Release(ctx)
}

func TestWithLeaseRuns(t *testing.T) {
	ctx := context.Background()
	c := &Client{db: newFakeDB()}

	ran := false
	err := c.WithLease(ctx, "community-rebuild", Options{TTL: time.Minute}, func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("guarded function did not run")
	}
}

func TestLeaseLostCancelsContext(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	c := &Client{db: db}

	lease, err := c.Acquire(ctx, "community-rebuild", Options{TTL: 100 * time.Millisecond, RenewEvery: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	// Steal the lock, as another process would after expiry.
	db.mu.Lock()
	db.locks["community-rebuild"] = fakeLock{token: "thief", expires: time.Now().Add(time.Minute)}
	db.mu.Unlock()

	select {
	case <-lease.Context.Done():
		if cause := context.Cause(lease.Context); !errors.Is(cause, ErrLost) {
			t.Fatalf("cause = %v, want ErrLost", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not cancelled after losing the lock")
	}
}
