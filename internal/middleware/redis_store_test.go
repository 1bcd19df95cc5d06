package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIdempotencyStore(client), mr
}

func TestRedisIdempotencyStore_Lifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	existing, started, err := store.Begin(ctx, "acct:k", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Nil(t, existing)

	existing, started, err = store.Begin(ctx, "acct:k", "h1", time.Minute)
	require.NoError(t, err)
	assert.False(t, started)
	require.NotNil(t, existing)
	assert.Equal(t, "h1", existing.RequestHash)
	assert.Zero(t, existing.Status, "still in flight")

	require.NoError(t, store.Complete(ctx, "acct:k", StoredResponse{RequestHash: "h1", Status: 201, Body: []byte(`{"ok":true}`)}, time.Minute))
	existing, started, err = store.Begin(ctx, "acct:k", "h1", time.Minute)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 201, existing.Status)
	assert.JSONEq(t, `{"ok":true}`, string(existing.Body))

	mr.FastForward(2 * time.Minute)
	_, started, err = store.Begin(ctx, "acct:k", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, started, "expired keys can be reused")
}

func TestRedisIdempotencyStore_Abort(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, started, err := store.Begin(ctx, "k", "h", time.Minute)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, store.Abort(ctx, "k"))

	_, started, err = store.Begin(ctx, "k", "h", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
}
