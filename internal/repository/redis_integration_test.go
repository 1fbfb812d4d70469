//go:build integration

// This file only builds under `-tags integration`: it spins up a real Redis
// container (gated like sqlite_store_test.go's "real database, not a mock"
// philosophy, here against a dependency Docker-less CI can't provide).
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/genbridge/gateway/internal/domain"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBindingStore_RoundTrips(t *testing.T) {
	client := newTestRedisClient(t)
	store := NewRedisBindingStore(client)
	ctx := context.Background()

	binding := &domain.Binding{
		ConversationID:      "conv-1",
		AccountIndex:        3,
		TeamID:              "team-a",
		UpstreamSessionName: "sessions/abc",
		ImageDirPath:        "/data/images/conv-1",
		CreatedAt:           time.Now().UTC().Truncate(time.Second),
		UpdatedAt:           time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.UpsertBinding(ctx, binding))

	loaded, ok, err := store.LoadBinding(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, binding.TeamID, loaded.TeamID)
	require.Equal(t, binding.UpstreamSessionName, loaded.UpstreamSessionName)

	require.NoError(t, store.DeleteBinding(ctx, "conv-1"))
	_, ok, err = store.LoadBinding(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRPMCacheImpl_IncrementAndGet(t *testing.T) {
	client := newTestRedisClient(t)
	cache := NewRPMCache(client)
	ctx := context.Background()

	n, err := cache.IncrementRPM(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = cache.IncrementRPM(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := cache.GetRPM(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, got)

	batch, err := cache.GetRPMBatch(ctx, []int{7, 99})
	require.NoError(t, err)
	require.Equal(t, 2, batch[7])
	require.Equal(t, 0, batch[99])
}
