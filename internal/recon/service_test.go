package recon

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tradewire/orderstate/internal/cache"
	"github.com/tradewire/orderstate/internal/order"
	"github.com/tradewire/orderstate/internal/pindex"
	"github.com/tradewire/orderstate/internal/sqlstore"
	"github.com/tradewire/orderstate/pkg/metrics"
)

type fixture struct {
	svc  *Service
	repo *sqlstore.Repository
	rdb  redis.UniversalClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.DB = 1
	c, err := cache.NewClient(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Redis().FlushDB(context.Background()).Err())

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	repo := sqlstore.NewRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate())

	store := order.NewStore(c.Redis(), repo, zap.NewNop())
	idx := pindex.NewManager(c.Redis(), zap.NewNop())
	svc := NewService(c, store, repo, idx, nil, metrics.New(), zap.NewNop())

	return &fixture{svc: svc, repo: repo, rdb: c.Redis()}
}

func (f *fixture) seed(t *testing.T, row sqlstore.OrderRow) {
	t.Helper()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.UpdatedAt = row.CreatedAt
	require.NoError(t, f.repo.DB().Create(&row).Error)
}

func (f *fixture) setStatus(t *testing.T, orderID, status string) {
	t.Helper()
	err := f.repo.DB().Model(&sqlstore.OrderRow{}).
		Where("order_id = ?", orderID).
		Update("status", status).Error
	require.NoError(t, err)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBackfillCreatesMissingHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})
	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeLive, UserID: "42", Symbol: "GBPUSD", OrderType: order.TypeLimitBuy, Price: d("1.2650"), Status: order.StatusPending})
	f.seed(t, sqlstore.OrderRow{OrderID: "O3", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeSell, Price: d("1.0900"), Status: order.StatusClosed})

	res, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveInSQL)
	assert.Equal(t, 2, res.HoldingsCreated)
	assert.Equal(t, 2, res.IndexAdded)
	assert.Equal(t, 2, res.SymbolsTouched)
	assert.Equal(t, 2, res.CanonicalBackfilled)
	assert.Empty(t, res.Errors)

	// Cache state matches the relational truth.
	exists, err := f.rdb.Exists(ctx, cache.HoldingKey(order.UserTypeLive, "42", "O1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	members, err := f.rdb.SMembers(ctx, cache.OrderIndexKey(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"O1", "O2"}, members)

	isHolder, err := f.rdb.SIsMember(ctx, cache.SymbolHoldersKey("EURUSD", order.UserTypeLive), "live:42").Result()
	require.NoError(t, err)
	assert.True(t, isHolder)

	// The terminal order never entered the cache.
	exists, err = f.rdb.Exists(ctx, cache.HoldingKey(order.UserTypeLive, "42", "O3")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestBackfillIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})

	first, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.HoldingsCreated)

	second, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)
	assert.Equal(t, 1, second.ActiveInSQL)
	assert.Equal(t, 0, second.HoldingsCreated)
	assert.Empty(t, second.Errors)
}

func TestBackfillScopeIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})
	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeDemo, UserID: "7", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})

	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)

	// The other user's cache is untouched.
	exists, err := f.rdb.Exists(ctx, cache.HoldingKey(order.UserTypeDemo, "7", "O2")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestDeepRebuildIndexesPendingAtComparisonPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeLive, UserID: "42", Symbol: "GBPUSD", OrderType: order.TypeLimitBuy, Price: d("1.2650"), Status: order.StatusPending, GroupName: "standard"})
	require.NoError(t, f.repo.DB().Create(&sqlstore.GroupSymbolSetting{
		GroupName: "standard",
		Symbol:    "GBPUSD",
		Spread:    d("0.00020"),
		SpreadPip: d("2"),
	}).Error)

	res, err := f.svc.DeepRebuild(ctx, order.UserTypeLive, "42")
	require.NoError(t, err)
	assert.Equal(t, order.FlowLocal, res.RoutingFlow)
	assert.Equal(t, 1, res.PendingIndexed)
	assert.Equal(t, 0, res.RemoteRegistered)

	score, err := f.rdb.ZScore(ctx, cache.PendingIndexKey("GBPUSD", order.TypeLimitBuy), "O2").Result()
	require.NoError(t, err)
	assert.InDelta(t, 1.2648, score, 1e-9)

	// Re-running upserts, never duplicates.
	res, err = f.svc.DeepRebuild(ctx, order.UserTypeLive, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PendingIndexed)
	n, err := f.rdb.ZCard(ctx, cache.PendingIndexKey("GBPUSD", order.TypeLimitBuy)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeepRebuildRemoteFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O5", UserType: order.UserTypeLive, UserID: "77", Symbol: "GBPUSD", OrderType: order.TypeLimitSell, Price: d("1.2700"), Status: order.StatusPending})
	require.NoError(t, f.repo.DB().Create(&sqlstore.UserSetting{
		UserType:    order.UserTypeLive,
		UserID:      "77",
		RoutingFlow: order.FlowRemote,
	}).Error)

	res, err := f.svc.DeepRebuild(ctx, order.UserTypeLive, "77")
	require.NoError(t, err)
	assert.Equal(t, order.FlowRemote, res.RoutingFlow)
	assert.Equal(t, 0, res.PendingIndexed)
	assert.Equal(t, 1, res.RemoteRegistered)

	isMember, err := f.rdb.SIsMember(ctx, cache.RemotePendingKey("GBPUSD"), "O5").Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	// The routing flow is repaired into the user config hash.
	flow, err := f.rdb.HGet(ctx, cache.UserConfigKey(order.UserTypeLive, "77"), "routing_flow").Result()
	require.NoError(t, err)
	assert.Equal(t, order.FlowRemote, flow)
}

func TestDeepRebuildRegistersTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{
		OrderID: "O1", UserType: order.UserTypeLive, UserID: "42",
		Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"),
		Status: order.StatusOpen, StopLoss: d("1.0800"), TakeProfit: d("1.1200"),
	})

	res, err := f.svc.DeepRebuild(ctx, order.UserTypeLive, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, res.TriggersIndexed)

	slScore, err := f.rdb.ZScore(ctx, cache.StopLossIndexKey("EURUSD", order.SideBuy), "O1").Result()
	require.NoError(t, err)
	assert.InDelta(t, 1.08, slScore, 1e-9)
	tpScore, err := f.rdb.ZScore(ctx, cache.TakeProfitIndexKey("EURUSD", order.SideBuy), "O1").Result()
	require.NoError(t, err)
	assert.InDelta(t, 1.12, tpScore, 1e-9)
}

func TestPruneRemovesStaleHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen, StopLoss: d("1.0800")})
	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeLive, UserID: "42", Symbol: "GBPUSD", OrderType: order.TypeLimitBuy, Price: d("1.2650"), Status: order.StatusPending})

	_, err := f.svc.DeepRebuild(ctx, order.UserTypeLive, "42")
	require.NoError(t, err)

	// O1 closes in the system-of-record; the cache has not heard.
	f.setStatus(t, "O1", order.StatusClosed)

	res, err := f.svc.Prune(ctx, order.UserTypeLive, "42", true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActiveInSQL)
	assert.Equal(t, 2, res.CachedHoldings)
	assert.Equal(t, 1, res.StaleFound)
	assert.Equal(t, 1, res.HoldingsRemoved)
	assert.Equal(t, 1, res.CanonicalRemoved)
	assert.Equal(t, 1, res.IndexEntriesRemoved)
	assert.Equal(t, 1, res.SymbolHoldersRemoved)
	assert.Empty(t, res.Errors)

	// Everything O1 owned is gone, including the trigger entry.
	n, err := f.rdb.Exists(ctx,
		cache.HoldingKey(order.UserTypeLive, "42", "O1"),
		cache.CanonicalKey("O1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = f.rdb.ZScore(ctx, cache.StopLossIndexKey("EURUSD", order.SideBuy), "O1").Result()
	assert.Equal(t, redis.Nil, err)

	isHolder, err := f.rdb.SIsMember(ctx, cache.SymbolHoldersKey("EURUSD", order.UserTypeLive), "live:42").Result()
	require.NoError(t, err)
	assert.False(t, isHolder)

	// O2 survives untouched.
	members, err := f.rdb.SMembers(ctx, cache.OrderIndexKey(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"O2"}, members)
}

func TestPruneClearsGlobalLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})
	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)

	store := order.NewStore(f.rdb, f.repo, zap.NewNop())
	require.NoError(t, store.AddLifecycleID(ctx, "O1", order.IDTypeClose, "close-1", ""))

	f.setStatus(t, "O1", order.StatusCancelled)

	res, err := f.svc.Prune(ctx, order.UserTypeLive, "42", true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LookupsRemoved)

	orderID, err := store.ResolveOrder(ctx, "close-1")
	require.NoError(t, err)
	assert.Equal(t, "", orderID)
}

func TestPruneShallowLeavesCanonical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.1000"), Status: order.StatusOpen})
	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)
	f.setStatus(t, "O1", order.StatusClosed)

	res, err := f.svc.Prune(ctx, order.UserTypeLive, "42", false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.HoldingsRemoved)
	assert.Equal(t, 0, res.CanonicalRemoved)

	exists, err := f.rdb.Exists(ctx, cache.CanonicalKey("O1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestBackfillThenPruneConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, row := range []sqlstore.OrderRow{
		{OrderID: "A", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen},
		{OrderID: "B", UserType: order.UserTypeLive, UserID: "42", Symbol: "GBPUSD", OrderType: order.TypeLimitBuy, Price: d("1.26"), Status: order.StatusPending},
		{OrderID: "C", UserType: order.UserTypeLive, UserID: "42", Symbol: "USDJPY", OrderType: order.TypeSell, Price: d("150"), Status: order.StatusOpen},
	} {
		f.seed(t, row)
	}
	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)

	// The world moves: C closes, D opens.
	f.setStatus(t, "C", order.StatusClosed)
	f.seed(t, sqlstore.OrderRow{OrderID: "D", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.11"), Status: order.StatusOpen})

	_, err = f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)
	_, err = f.svc.Prune(ctx, order.UserTypeLive, "42", true, true)
	require.NoError(t, err)

	members, err := f.rdb.SMembers(ctx, cache.OrderIndexKey(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "D"}, members)

	keys, err := f.rdb.Keys(ctx, cache.HoldingPattern(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestRebuildUserIndicesRepairsDroppedMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen})
	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)

	// Simulate index drift.
	require.NoError(t, f.rdb.Del(ctx, cache.OrderIndexKey(order.UserTypeLive, "42")).Err())

	res, err := f.svc.RebuildUserIndices(ctx, order.UserTypeLive, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Holdings)
	assert.Equal(t, 1, res.IndexAdded)

	members, err := f.rdb.SMembers(ctx, cache.OrderIndexKey(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"O1"}, members)
}

func TestEnsureSingleHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen})

	res, err := f.svc.EnsureSingleHolding(ctx, order.UserTypeLive, "42", "O1")
	require.NoError(t, err)
	assert.True(t, res.ActiveInSQL)
	assert.True(t, res.HoldingWritten)

	f.setStatus(t, "O1", order.StatusClosed)
	res, err = f.svc.EnsureSingleHolding(ctx, order.UserTypeLive, "42", "O1")
	require.NoError(t, err)
	assert.False(t, res.ActiveInSQL)
	assert.True(t, res.HoldingRemoved)

	exists, err := f.rdb.Exists(ctx, cache.HoldingKey(order.UserTypeLive, "42", "O1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestPortfolioSnapshotAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen, Margin: d("100"), Commission: d("2.5")})
	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeSell, Price: d("1.09"), Status: order.StatusOpen, Margin: d("50"), Swap: d("-1.25")})
	_, err := f.svc.Backfill(ctx, order.UserTypeLive, "42", false)
	require.NoError(t, err)

	snap, err := f.svc.PortfolioSnapshot(ctx, order.UserTypeLive, "42", true)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.OrderCount)
	assert.Equal(t, 2, snap.Symbols["EURUSD"])
	assert.True(t, snap.TotalMargin.Equal(d("150")))
	assert.True(t, snap.TotalCommission.Equal(d("2.5")))
	assert.True(t, snap.TotalSwap.Equal(d("-1.25")))
	assert.Len(t, snap.Orders, 2)

	// The snapshot is persisted at the portfolio key.
	exists, err := f.rdb.Exists(ctx, cache.PortfolioKey(order.UserTypeLive, "42")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestRebuildSymbolHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, sqlstore.OrderRow{OrderID: "O1", UserType: order.UserTypeLive, UserID: "42", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen})
	f.seed(t, sqlstore.OrderRow{OrderID: "O2", UserType: order.UserTypeDemo, UserID: "7", Symbol: "EURUSD", OrderType: order.TypeBuy, Price: d("1.10"), Status: order.StatusOpen})

	// A stale member that the rebuild must clear.
	require.NoError(t, f.rdb.SAdd(ctx, cache.SymbolHoldersKey("EURUSD", order.UserTypeLive), "live:999").Err())

	res, err := f.svc.RebuildSymbolHolders(ctx, "EURUSD", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Holders[order.UserTypeLive])
	assert.Equal(t, 1, res.Holders[order.UserTypeDemo])

	members, err := f.rdb.SMembers(ctx, cache.SymbolHoldersKey("EURUSD", order.UserTypeLive)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"live:42"}, members)
}
