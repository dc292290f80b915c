package pindex

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
)

func TestComparisonPrice(t *testing.T) {
	d := decimal.RequireFromString

	// Half of (spread x spread_pip), rounded to 8 places, subtracted from
	// the user price.
	got := ComparisonPrice(d("1.2650"), d("0.00020"), d("2"))
	assert.True(t, got.Equal(d("1.2648")), "got %s", got)

	// Zero spread leaves the price untouched.
	got = ComparisonPrice(d("1.2650"), decimal.Zero, d("2"))
	assert.True(t, got.Equal(d("1.2650")))

	// An odd spread forces the rounding step.
	got = ComparisonPrice(d("100"), d("0.000000015"), d("1"))
	assert.True(t, got.Equal(d("99.99999999")), "got %s", got)
}

func testManager(t *testing.T) (*Manager, redis.UniversalClient) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb, zap.NewNop()), rdb
}

func TestPendingUpsertReplacesScore(t *testing.T) {
	m, rdb := testManager(t)
	ctx := context.Background()
	d := decimal.RequireFromString

	require.NoError(t, m.AddPending(ctx, "GBPUSD", "LIMIT_BUY", "O1", d("1.2648")))
	require.NoError(t, m.AddPending(ctx, "GBPUSD", "LIMIT_BUY", "O1", d("1.2700")))

	key := cache.PendingIndexKey("GBPUSD", "LIMIT_BUY")
	n, err := rdb.ZCard(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	score, err := rdb.ZScore(ctx, key, "O1").Result()
	require.NoError(t, err)
	assert.InDelta(t, 1.27, score, 1e-9)
}

func TestPendingInRangeOrdering(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	d := decimal.RequireFromString

	require.NoError(t, m.AddPending(ctx, "GBPUSD", "LIMIT_BUY", "high", d("1.2700")))
	require.NoError(t, m.AddPending(ctx, "GBPUSD", "LIMIT_BUY", "low", d("1.2600")))
	require.NoError(t, m.AddPending(ctx, "GBPUSD", "LIMIT_BUY", "out", d("1.3000")))

	ids, err := m.PendingInRange(ctx, "GBPUSD", "LIMIT_BUY", d("1.25"), d("1.28"))
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "high"}, ids)
}

func TestRemovalsAreIdempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	assert.NoError(t, m.RemovePending(ctx, "GBPUSD", "LIMIT_BUY", "never-there"))
	assert.NoError(t, m.RemoveRemotePending(ctx, "GBPUSD", "never-there"))
	assert.NoError(t, m.RemoveTriggers(ctx, "EURUSD", "BUY", "never-there"))
}

func TestTriggerIndexes(t *testing.T) {
	m, rdb := testManager(t)
	ctx := context.Background()
	d := decimal.RequireFromString

	require.NoError(t, m.AddStopLoss(ctx, "EURUSD", "BUY", "O1", d("1.0800")))
	require.NoError(t, m.AddTakeProfit(ctx, "EURUSD", "BUY", "O1", d("1.1200")))

	require.NoError(t, m.RemoveTriggers(ctx, "EURUSD", "BUY", "O1"))

	n, err := rdb.Exists(ctx,
		cache.StopLossIndexKey("EURUSD", "BUY"),
		cache.TakeProfitIndexKey("EURUSD", "BUY")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRemotePendingSet(t *testing.T) {
	m, rdb := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddRemotePending(ctx, "GBPUSD", "O9"))
	members, err := rdb.SMembers(ctx, cache.RemotePendingKey("GBPUSD")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"O9"}, members)

	require.NoError(t, m.RemoveRemotePending(ctx, "GBPUSD", "O9"))
	n, err := rdb.SCard(ctx, cache.RemotePendingKey("GBPUSD")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
