package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anomaly-monitor/internal/models"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func record(ts int64) models.ResultRecord {
	return models.ResultRecord{
		Timestamp:        ts,
		RawValue:         float64(ts),
		TransformedValue: float64(ts) / 2,
		PredictedValue:   1,
		AnomalyScore:     0.25,
		Likelihood:       0.5,
	}
}

func TestAppendTrimKeepsNewest(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for ts := int64(1); ts <= 10; ts++ {
		require.NoError(t, store.Append(ctx, "e1", record(ts)))
		require.NoError(t, store.Trim(ctx, "e1", 4))

		n, err := store.Len(ctx, "e1")
		require.NoError(t, err)
		assert.LessOrEqual(t, n, int64(4))
	}

	results, err := store.Results(ctx, "e1", 0)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, int64(7), results[0].Timestamp)
	assert.Equal(t, int64(10), results[3].Timestamp)
	assert.Equal(t, record(10), results[3])

	raw, err := mr.List("results:e1")
	require.NoError(t, err)
	assert.Contains(t, raw[0], `"average_value":3.5`)
}

func TestResultsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, store.Append(ctx, "e1", record(ts)))
	}

	results, err := store.Results(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(4), results[0].Timestamp)
	assert.Equal(t, int64(5), results[1].Timestamp)

	results, err = store.Results(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTrimRejectsNonPositive(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.Trim(context.Background(), "e1", 0))
}

func TestMetaAndMonitors(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, "b", "name", "Beta"))
	require.NoError(t, store.SetMeta(ctx, "a", "name", "Alpha"))
	require.NoError(t, store.SetMeta(ctx, "a", "value_label", "Response time"))
	require.NoError(t, store.SetMeta(ctx, "a", "value_unit", "ms"))

	assert.Equal(t, "Alpha", mr.HGet("monitor:a", "name"))

	monitors, err := store.Monitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.MonitorInfo{
		{ID: "a", Name: "Alpha", ValueLabel: "Response time", ValueUnit: "ms"},
		{ID: "b", Name: "Beta"},
	}, monitors)
}

func TestDeleteAll(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, "e1", "name", "E1"))
	require.NoError(t, store.SetMeta(ctx, "e2", "name", "E2"))
	require.NoError(t, store.Append(ctx, "e1", record(1)))
	require.NoError(t, store.Append(ctx, "e2", record(1)))

	require.NoError(t, store.DeleteAll(ctx, "e1"))

	assert.False(t, mr.Exists("results:e1"))
	assert.False(t, mr.Exists("monitor:e1"))
	assert.True(t, mr.Exists("results:e2"), "other entities are untouched")

	monitors, err := store.Monitors(ctx)
	require.NoError(t, err)
	require.Len(t, monitors, 1)
	assert.Equal(t, "e2", monitors[0].ID)
}

func TestStoreUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	ctx := context.Background()
	assert.Error(t, store.Append(ctx, "e1", record(1)))
	assert.Error(t, store.Ping(ctx))
	_, err := store.Monitors(ctx)
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()

	stats := NewRedisStore(client).GetStats()
	assert.Contains(t, stats, "total_conns")
}
