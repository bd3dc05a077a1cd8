package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/model"
	redisrepo "github.com/astromods/modstats/internal/repository/redis"
)

type testEngine struct {
	service *TrackerService
	store   *redisrepo.CounterStore
	server  *miniredis.Miniredis
}

func newTestEngine(t *testing.T, rateLimit config.RateLimitConfig) *testEngine {
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

	store := redisrepo.NewCounterStore(redisClient)
	limiter := redisrepo.NewRateLimitCache(redisClient)

	return &testEngine{
		service: NewTrackerService(store, limiter, nil, rateLimit, zap.NewNop()),
		store:   store,
		server:  server,
	}
}

func looseRateLimit() config.RateLimitConfig {
	return config.RateLimitConfig{Points: 1000, Window: time.Hour}
}

func TestTrackUsage_IncrementsPerBatch(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	err := engine.service.TrackUsage(ctx, "client-1", model.IngestionBatch{
		ReportedMods: []string{"alpha", "beta", "gamma"},
		EnabledMods:  []string{"beta"},
	})
	require.NoError(t, err)

	expected := map[string][2]int64{
		"alpha": {1, 0},
		"beta":  {1, 1},
		"gamma": {1, 0},
	}
	for mod, counts := range expected {
		record, err := engine.store.Get(ctx, mod)
		require.NoError(t, err)
		require.NotNil(t, record, mod)
		assert.Equal(t, counts[0], record.TotalCount, mod)
		assert.Equal(t, counts[1], record.EnabledCount, mod)
		assert.LessOrEqual(t, record.EnabledCount, record.TotalCount, mod)
	}
}

func TestTrackUsage_CollapsesDuplicates(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	err := engine.service.TrackUsage(ctx, "client-1", model.IngestionBatch{
		ReportedMods: []string{"alpha", "alpha", "alpha"},
		EnabledMods:  []string{"alpha", "alpha"},
	})
	require.NoError(t, err)

	record, err := engine.store.Get(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.TotalCount)
	assert.Equal(t, int64(1), record.EnabledCount)
}

// Counting is at-least-once: redelivering an identical report counts
// again. This is the documented behavior, not a bug.
func TestTrackUsage_RedeliveryCountsAgain(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	batch := model.IngestionBatch{
		ReportedMods: []string{"alpha"},
		EnabledMods:  []string{"alpha"},
	}
	require.NoError(t, engine.service.TrackUsage(ctx, "client-1", batch))
	require.NoError(t, engine.service.TrackUsage(ctx, "client-2", batch))

	record, err := engine.store.Get(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(2), record.TotalCount)
	assert.Equal(t, int64(2), record.EnabledCount)
}

func TestTrackUsage_RejectsNonSubset(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	err := engine.service.TrackUsage(ctx, "client-1", model.IngestionBatch{
		ReportedMods: []string{"a"},
		EnabledMods:  []string{"b"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	// Validation runs before any mutation; neither mod was touched.
	for _, mod := range []string{"a", "b"} {
		record, err := engine.store.Get(ctx, mod)
		require.NoError(t, err)
		assert.Nil(t, record, mod)
	}
}

func TestTrackUsage_RejectsEmptyReport(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())

	err := engine.service.TrackUsage(context.Background(), "client-1", model.IngestionBatch{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestTrackUsage_RateLimited(t *testing.T) {
	engine := newTestEngine(t, config.RateLimitConfig{Points: 1, Window: time.Hour})
	ctx := context.Background()

	batch := model.IngestionBatch{ReportedMods: []string{"alpha"}}
	require.NoError(t, engine.service.TrackUsage(ctx, "client-1", batch))

	err := engine.service.TrackUsage(ctx, "client-1", batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Greater(t, rateErr.RetryAfter, time.Duration(0))

	// The limited request never reached the store.
	record, storeErr := engine.store.Get(ctx, "alpha")
	require.NoError(t, storeErr)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.TotalCount)

	// After the window elapses the same identity is admitted again.
	engine.server.FastForward(time.Hour + time.Second)
	require.NoError(t, engine.service.TrackUsage(ctx, "client-1", batch))
}

func seedLeaderboard(t *testing.T, engine *testEngine) {
	t.Helper()
	ctx := context.Background()

	// A: total=5 enabled=2, B: total=5 enabled=4, C: total=3 enabled=3
	seed := map[string][2]int{
		"A": {5, 2},
		"B": {5, 4},
		"C": {3, 3},
	}
	for mod, counts := range seed {
		for i := 0; i < counts[1]; i++ {
			require.NoError(t, engine.store.IncrementBoth(ctx, mod))
		}
		for i := 0; i < counts[0]-counts[1]; i++ {
			require.NoError(t, engine.store.IncrementTotalOnly(ctx, mod))
		}
	}
}

func modIDs(records []model.ModUsageRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ModID)
	}
	return ids
}

func TestTopMods_Deterministic(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	seedLeaderboard(t, engine)
	ctx := context.Background()

	byTotal, err := engine.service.TopMods(ctx, "total", 10, 0)
	require.NoError(t, err)
	// A and B tie on total; ascending mod id breaks the tie.
	assert.Equal(t, []string{"A", "B", "C"}, modIDs(byTotal))

	byEnabled, err := engine.service.TopMods(ctx, "enabled", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, modIDs(byEnabled))

	// Empty sort key defaults to total.
	byDefault, err := engine.service.TopMods(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, modIDs(byDefault))
}

func TestTopMods_Pagination(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	for _, mod := range []string{"v", "w", "x", "y", "z"} {
		require.NoError(t, engine.store.IncrementTotalOnly(ctx, mod))
	}

	page, err := engine.service.TopMods(ctx, "total", 2, 2)
	require.NoError(t, err)
	// All totals tie at 1, so ranking is pure mod id order.
	assert.Equal(t, []string{"x", "y"}, modIDs(page))

	empty, err := engine.service.TopMods(ctx, "total", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTopMods_InvalidInputs(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	_, err := engine.service.TopMods(ctx, "bogus", 10, 0)
	assert.True(t, errors.Is(err, ErrInvalidSortKey))

	_, err = engine.service.TopMods(ctx, "total", -1, 0)
	assert.True(t, errors.Is(err, ErrInvalidPagination))

	_, err = engine.service.TopMods(ctx, "total", 10, -1)
	assert.True(t, errors.Is(err, ErrInvalidPagination))
}

// A store outage surfaces as ErrStoreUnavailable on every engine
// operation; nothing is retried or masked.
func TestEngine_StoreUnavailable(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	require.NoError(t, engine.store.IncrementBoth(ctx, "alpha"))
	engine.server.Close()

	err := engine.service.TrackUsage(ctx, "client-1", model.IngestionBatch{
		ReportedMods: []string{"alpha"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	_, err = engine.service.TopMods(ctx, "total", 10, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	_, err = engine.service.ModUsage(ctx, "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestModUsage(t *testing.T) {
	engine := newTestEngine(t, looseRateLimit())
	ctx := context.Background()

	require.NoError(t, engine.store.IncrementBoth(ctx, "alpha"))

	record, err := engine.service.ModUsage(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.TotalCount)

	absent, err := engine.service.ModUsage(ctx, "never-reported")
	require.NoError(t, err)
	assert.Nil(t, absent)
}
