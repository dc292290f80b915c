// Package pindex manages the price-ordered Redis sorted sets the matching
// loop consumes: the pending index scanned as ticks arrive and the stop-loss
// / take-profit trigger indexes for open positions.
package pindex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
)

// Manager writes and trims the index families. All insertions are upserts —
// the same order id at a new score replaces, never duplicates — and every
// removal succeeds even when the entry was never present.
type Manager struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewManager creates an index manager.
func NewManager(rdb redis.UniversalClient, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger}
}

// ComparisonPrice derives the spread-adjusted price that decides when a
// pending order converts: user price minus half the group spread, the half
// spread rounded to 8 decimal places.
func ComparisonPrice(price, spread, spreadPip decimal.Decimal) decimal.Decimal {
	halfSpread := spread.Mul(spreadPip).Div(decimal.NewFromInt(2)).Round(8)
	return price.Sub(halfSpread)
}

// AddPending upserts an order into the local pending index at the given
// comparison price.
func (m *Manager) AddPending(ctx context.Context, symbol, orderType, orderID string, score decimal.Decimal) error {
	key := cache.PendingIndexKey(symbol, orderType)
	err := m.rdb.ZAdd(ctx, key, redis.Z{Score: score.InexactFloat64(), Member: orderID}).Err()
	if err != nil {
		return fmt.Errorf("add pending %s to %s: %w", orderID, key, err)
	}
	return nil
}

// RemovePending removes an order from the local pending index. Removing an
// absent member is a no-op.
func (m *Manager) RemovePending(ctx context.Context, symbol, orderType, orderID string) error {
	key := cache.PendingIndexKey(symbol, orderType)
	if err := m.rdb.ZRem(ctx, key, orderID).Err(); err != nil {
		return fmt.Errorf("remove pending %s from %s: %w", orderID, key, err)
	}
	return nil
}

// PendingInRange returns the order ids whose comparison price falls in
// [min, max], lowest first. Consumed by the matching loop on each tick.
func (m *Manager) PendingInRange(ctx context.Context, symbol, orderType string, min, max decimal.Decimal) ([]string, error) {
	key := cache.PendingIndexKey(symbol, orderType)
	ids, err := m.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: min.String(),
		Max: max.String(),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return ids, nil
}

// AddRemotePending registers an order routed to an external venue.
func (m *Manager) AddRemotePending(ctx context.Context, symbol, orderID string) error {
	key := cache.RemotePendingKey(symbol)
	if err := m.rdb.SAdd(ctx, key, orderID).Err(); err != nil {
		return fmt.Errorf("add remote pending %s to %s: %w", orderID, key, err)
	}
	return nil
}

// RemoveRemotePending drops an order from the remote pending set.
func (m *Manager) RemoveRemotePending(ctx context.Context, symbol, orderID string) error {
	key := cache.RemotePendingKey(symbol)
	if err := m.rdb.SRem(ctx, key, orderID).Err(); err != nil {
		return fmt.Errorf("remove remote pending %s from %s: %w", orderID, key, err)
	}
	return nil
}

// AddStopLoss upserts an open position's stop-loss trigger at its literal
// trigger price.
func (m *Manager) AddStopLoss(ctx context.Context, symbol, side, orderID string, price decimal.Decimal) error {
	key := cache.StopLossIndexKey(symbol, side)
	err := m.rdb.ZAdd(ctx, key, redis.Z{Score: price.InexactFloat64(), Member: orderID}).Err()
	if err != nil {
		return fmt.Errorf("add stop loss %s to %s: %w", orderID, key, err)
	}
	return nil
}

// AddTakeProfit upserts an open position's take-profit trigger.
func (m *Manager) AddTakeProfit(ctx context.Context, symbol, side, orderID string, price decimal.Decimal) error {
	key := cache.TakeProfitIndexKey(symbol, side)
	err := m.rdb.ZAdd(ctx, key, redis.Z{Score: price.InexactFloat64(), Member: orderID}).Err()
	if err != nil {
		return fmt.Errorf("add take profit %s to %s: %w", orderID, key, err)
	}
	return nil
}

// RemoveTriggers drops both trigger entries of an order for its symbol/side.
// Safe when neither entry exists.
func (m *Manager) RemoveTriggers(ctx context.Context, symbol, side, orderID string) error {
	slKey := cache.StopLossIndexKey(symbol, side)
	tpKey := cache.TakeProfitIndexKey(symbol, side)
	if err := m.rdb.ZRem(ctx, slKey, orderID).Err(); err != nil {
		return fmt.Errorf("remove trigger %s from %s: %w", orderID, slKey, err)
	}
	if err := m.rdb.ZRem(ctx, tpKey, orderID).Err(); err != nil {
		return fmt.Errorf("remove trigger %s from %s: %w", orderID, tpKey, err)
	}
	return nil
}
