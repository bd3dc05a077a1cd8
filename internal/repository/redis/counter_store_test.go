package redis

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/model"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + server.Addr(),
			PoolSize: 10,
		},
	}
	redisClient, err := client.NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	return redisClient, server
}

func newTestStore(t *testing.T) *CounterStore {
	t.Helper()
	redisClient, _ := newTestClient(t)
	return NewCounterStore(redisClient)
}

func TestCounterStore_IncrementBoth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementBoth(ctx, "quickcharge"))
	require.NoError(t, store.IncrementBoth(ctx, "quickcharge"))

	record, err := store.Get(ctx, "quickcharge")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(2), record.TotalCount)
	assert.Equal(t, int64(2), record.EnabledCount)
}

func TestCounterStore_IncrementTotalOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementTotalOnly(ctx, "nightvision"))

	record, err := store.Get(ctx, "nightvision")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.TotalCount)
	assert.Equal(t, int64(0), record.EnabledCount)
}

func TestCounterStore_GetUnseenMod(t *testing.T) {
	store := newTestStore(t)

	record, err := store.Get(context.Background(), "never-reported")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCounterStore_GetAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementBoth(ctx, "alpha"))
	require.NoError(t, store.IncrementTotalOnly(ctx, "beta"))
	require.NoError(t, store.IncrementTotalOnly(ctx, "beta"))

	records, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := make(map[string]model.ModUsageRecord, len(records))
	for _, r := range records {
		byID[r.ModID] = r
	}
	assert.Equal(t, int64(1), byID["alpha"].TotalCount)
	assert.Equal(t, int64(1), byID["alpha"].EnabledCount)
	assert.Equal(t, int64(2), byID["beta"].TotalCount)
	assert.Equal(t, int64(0), byID["beta"].EnabledCount)
}

func TestCounterStore_GetAllEmpty(t *testing.T) {
	store := newTestStore(t)

	records, err := store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCounterStore_MalformedCounterValue(t *testing.T) {
	redisClient, server := newTestClient(t)
	store := NewCounterStore(redisClient)
	ctx := context.Background()

	require.NoError(t, store.IncrementTotalOnly(ctx, "alpha"))
	server.HSet("mod:alpha", "total", "not-a-number")

	_, err := store.Get(ctx, "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed total counter")

	_, err = store.GetAll(ctx)
	require.Error(t, err)
}

// Concurrent increments on the same key must all land; HINCRBY inside
// MULTI/EXEC serializes writers in Redis, so no update is lost.
func TestCounterStore_ConcurrentIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.IncrementBoth(ctx, "contested")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	record, err := store.Get(ctx, "contested")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(workers), record.TotalCount)
	assert.Equal(t, int64(workers), record.EnabledCount)
}
