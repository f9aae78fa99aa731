package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewKVStoreWithClient(client)
}

func TestKVStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "extraction:chunk-1", []byte(`{"entities":[]}`)))

	val, ok, err := s.Get(ctx, "extraction:chunk-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"entities":[]}`, string(val))

	has, err := s.Has(ctx, "extraction:chunk-1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete(ctx, "extraction:chunk-1"))
	_, ok, err = s.Get(ctx, "extraction:chunk-1")
	require.NoError(t, err)
	assert.False(t, ok, "key should be gone after delete")
}

func TestKVStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	val, ok, err := s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, val)

	has, err := s.Has(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, has)

	// deleting a missing key is not an error
	assert.NoError(t, s.Delete(ctx, "absent"))
}

func TestKVStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "community-report:abc", []byte("first")))
	require.NoError(t, s.Set(ctx, "community-report:abc", []byte("second")))

	val, ok, err := s.Get(ctx, "community-report:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(val))
}
