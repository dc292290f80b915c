package recon

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
	"github.com/tradewire/orderstate/internal/order"
	"github.com/tradewire/orderstate/internal/pindex"
)

// DeepRebuild performs a backfill and then reconstructs the derived caches a
// plain holding cannot express: pending orders re-enter the price-ordered
// index (or the remote pending set, depending on the user's routing flow)
// and open positions re-register their stop-loss / take-profit triggers.
// Re-running it duplicates nothing: every insertion is an upsert.
func (s *Service) DeepRebuild(ctx context.Context, userType, userID string) (*DeepRebuildResult, error) {
	s.met.ReconRuns.WithLabelValues("deep_rebuild").Inc()

	backfill, err := s.Backfill(ctx, userType, userID, true)
	if err != nil {
		return nil, err
	}
	res := &DeepRebuildResult{BackfillResult: *backfill}

	flow, err := s.routingFlow(ctx, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("deep rebuild: %w", err)
	}
	res.RoutingFlow = flow

	active, err := s.repo.ActiveOrders(ctx, userType, userID, true)
	if err != nil {
		return nil, fmt.Errorf("deep rebuild: %w", err)
	}

	spreads := make(map[string][2]decimal.Decimal) // group/symbol -> (spread, spread_pip)
	for _, o := range active {
		switch {
		case order.IsPendingType(o.OrderType) && !order.IsTerminalStatus(o.Status) && o.Status != order.StatusOpen:
			if flow == order.FlowRemote {
				if err := s.pindex.AddRemotePending(ctx, o.Symbol, o.OrderID); err != nil {
					s.met.ReconErrors.WithLabelValues("deep_rebuild").Inc()
					res.Errors = append(res.Errors, err.Error())
					continue
				}
				res.RemoteRegistered++
				continue
			}
			cmp, err := s.comparisonPrice(ctx, o, spreads)
			if err != nil {
				s.met.ReconErrors.WithLabelValues("deep_rebuild").Inc()
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			if !cmp.IsPositive() {
				s.logger.Warn("deep rebuild: non-positive comparison price, order skipped",
					zap.String("order_id", o.OrderID),
					zap.String("comparison_price", cmp.String()))
				res.Skipped++
				continue
			}
			if err := s.pindex.AddPending(ctx, o.Symbol, o.OrderType, o.OrderID, cmp); err != nil {
				s.met.ReconErrors.WithLabelValues("deep_rebuild").Inc()
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.PendingIndexed++

		case o.Status == order.StatusOpen:
			indexed, failures := s.rebuildTriggers(ctx, o)
			res.TriggersIndexed += indexed
			for _, f := range failures {
				s.met.ReconErrors.WithLabelValues("deep_rebuild").Inc()
				res.Errors = append(res.Errors, f)
			}
		}
	}

	s.logger.Info("deep rebuild completed",
		zap.String("user", cache.UserTag(userType, userID)),
		zap.String("routing_flow", flow),
		zap.Int("pending_indexed", res.PendingIndexed),
		zap.Int("remote_registered", res.RemoteRegistered),
		zap.Int("triggers_indexed", res.TriggersIndexed),
		zap.Int("skipped", res.Skipped),
	)
	s.notify(userType, userID, "deep_rebuild")
	return res, nil
}

// routingFlow reads the user's routing flow from the cached config hash and
// falls back to the relational setting, repairing the cache on a miss.
func (s *Service) routingFlow(ctx context.Context, userType, userID string) (string, error) {
	key := cache.UserConfigKey(userType, userID)
	flow, err := s.cache.Redis().HGet(ctx, key, "routing_flow").Result()
	if err == nil && flow != "" {
		return flow, nil
	}
	if err != nil && err != redis.Nil {
		s.logger.Warn("user config read failed, falling back to relational store",
			zap.String("key", key), zap.Error(err))
	}
	flow, err = s.repo.UserRouting(ctx, userType, userID)
	if err != nil {
		return "", err
	}
	if cacheErr := s.cache.Redis().HSet(ctx, key, "routing_flow", flow).Err(); cacheErr != nil {
		s.logger.Warn("user config cache repair failed", zap.String("key", key), zap.Error(cacheErr))
	}
	return flow, nil
}

// comparisonPrice computes the spread-adjusted score for the pending index,
// memoizing the group/symbol spread lookup for the scope of one rebuild.
func (s *Service) comparisonPrice(ctx context.Context, o *order.Order, memo map[string][2]decimal.Decimal) (decimal.Decimal, error) {
	memoKey := o.Group + "/" + o.Symbol
	pair, ok := memo[memoKey]
	if !ok {
		setting, err := s.repo.GroupSymbolSetting(ctx, o.Group, o.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if setting != nil {
			pair = [2]decimal.Decimal{setting.Spread, setting.SpreadPip}
		} else {
			s.logger.Warn("no spread configuration, indexing at raw price",
				zap.String("group", o.Group), zap.String("symbol", o.Symbol))
		}
		memo[memoKey] = pair
	}
	return pindex.ComparisonPrice(o.Price, pair[0], pair[1]), nil
}

// rebuildTriggers re-registers the SL/TP trigger entries of one open order.
func (s *Service) rebuildTriggers(ctx context.Context, o *order.Order) (int, []string) {
	indexed := 0
	var failures []string
	side := o.Side()
	if o.StopLoss.IsPositive() {
		if err := s.pindex.AddStopLoss(ctx, o.Symbol, side, o.OrderID, o.StopLoss); err != nil {
			failures = append(failures, err.Error())
		} else {
			indexed++
		}
	}
	if o.TakeProfit.IsPositive() {
		if err := s.pindex.AddTakeProfit(ctx, o.Symbol, side, o.OrderID, o.TakeProfit); err != nil {
			failures = append(failures, err.Error())
		} else {
			indexed++
		}
	}
	return indexed, failures
}
