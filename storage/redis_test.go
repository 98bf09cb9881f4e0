package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

// newTestRedis connects to REDIS_ADDR (default localhost:6379) on DB 15 and
// flushes it. The test is skipped when Redis is unreachable.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	store, err := NewRedisStorage(RedisOptions{
		Addr:         addr,
		DB:           15,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		newTestRedis(t)
		_, err := NewRedisStorage(RedisOptions{Addr: "invalid:6379"})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		def := newDefinition(1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(2)))
		defs, err := store.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 2)
	})

	t.Run("CreateAndUpdateRequest", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		req := newRequest(1, types.StatusPending)
		require.NoError(t, store.CreateRequest(ctx, req))
		assert.ErrorIs(t, store.CreateRequest(ctx, req), ErrRequestExists)

		got, err := store.GetRequest(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, req, got)

		next := req.Clone()
		next.Status = types.StatusInProgress
		next.Version = 2
		require.NoError(t, store.UpdateRequest(ctx, next, 1))

		stale := req.Clone()
		stale.Version = 2
		assert.ErrorIs(t, store.UpdateRequest(ctx, stale, 1), ErrVersionConflict)

		assert.ErrorIs(t, store.UpdateRequest(ctx, newRequest(42, types.StatusPending), 1), ErrRequestNotFound)

		got, err = store.GetRequest(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.StatusInProgress, got.Status)
	})

	t.Run("CreateIndexesOnlyNewRequests", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		req := newRequest(7, types.StatusPending)
		require.NoError(t, store.CreateRequest(ctx, req))
		member, err := store.client.SIsMember(ctx, activeIndex, req.ID).Result()
		require.NoError(t, err)
		assert.True(t, member)

		require.NoError(t, store.UpdateRequest(ctx, finalized(req, types.StatusCancelled, baseTime), 1))

		// a duplicate create must not put a finalized request back in the active set
		assert.ErrorIs(t, store.CreateRequest(ctx, req), ErrRequestExists)
		member, err = store.client.SIsMember(ctx, activeIndex, req.ID).Result()
		require.NoError(t, err)
		assert.False(t, member)

		got, err := store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)
	})

	t.Run("FinalizeIndexesAndPurge", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		for id := uint64(1); id <= 3; id++ {
			require.NoError(t, store.CreateRequest(ctx, newRequest(id, types.StatusPending)))
		}
		r1, err := store.GetRequest(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, store.UpdateRequest(ctx, finalized(r1, types.StatusApproved, baseTime), 1))
		r2, err := store.GetRequest(ctx, 2)
		require.NoError(t, err)
		require.NoError(t, store.UpdateRequest(ctx, finalized(r2, types.StatusRejected, baseTime.Add(3*time.Hour)), 1))

		active, err := store.ListActiveRequests(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, uint64(3), active[0].ID)

		summary, err := store.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Summary{Approved: 1, Rejected: 1}, summary)

		n, err := store.PurgeFinalized(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.GetRequest(ctx, 1)
		assert.ErrorIs(t, err, ErrRequestNotFound)
		_, err = store.GetRequest(ctx, 2)
		assert.NoError(t, err)

		summary, err = store.Summary(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Summary{Approved: 1, Rejected: 1}, summary)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		store := newTestRedis(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, store.SaveDefinition(ctx, newDefinition(1)), context.Canceled)
		_, err := store.GetRequest(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisViewCache(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()
	cache := NewRedisViewCache(store.Client(), time.Minute)

	_, err := cache.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheMiss)

	view := types.RequestView{ApprovalRequest: newRequest(1, types.StatusPending)}
	require.NoError(t, cache.Put(ctx, view))

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, view, got)

	ttl, err := store.client.TTL(ctx, viewKey(1)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	newer := types.RequestView{ApprovalRequest: finalized(view.ApprovalRequest, types.StatusApproved, baseTime)}
	newer.Version = 2
	require.NoError(t, cache.Put(ctx, newer))
	require.NoError(t, cache.Put(ctx, view), "a stale view is dropped")
	got, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)
	assert.Equal(t, uint64(2), got.Version)

	require.NoError(t, cache.Invalidate(ctx, 1))
	_, err = cache.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheMiss)

	forever := NewRedisViewCache(store.Client(), 0)
	require.NoError(t, forever.Put(ctx, view))
	ttl, err = store.client.TTL(ctx, viewKey(1)).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestGetFromRedis(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()

	def := newDefinition(100)
	require.NoError(t, store.SaveDefinition(ctx, def))

	t.Run("Found", func(t *testing.T) {
		result, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionKey(100), ErrDefinitionNotFound)
		assert.NoError(t, err)
		assert.Equal(t, def, result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionKey(999), ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionKey(100), ErrDefinitionNotFound)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
