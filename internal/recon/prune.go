package recon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
	"github.com/tradewire/orderstate/internal/order"
)

// Prune removes cache entries for orders the relational store no longer
// considers active. Cached holdings are enumerated by key pattern, never by
// trusting the order index; the set difference against the relational
// active set is stale. Holding and index removal always happens; deep prune
// additionally drops the canonical record, its Global Lookup values (read
// before the record is deleted), and the pending/remote/trigger index
// memberships inferred from the stale order's own symbol and side. Every
// deletion is best-effort: one failing sub-key never aborts the cleanup of
// the remaining stale orders.
func (s *Service) Prune(ctx context.Context, userType, userID string, deep, pruneSymbolHolders bool) (*PruneResult, error) {
	s.met.ReconRuns.WithLabelValues("prune").Inc()
	res := &PruneResult{UserType: userType, UserID: userID}

	active, err := s.repo.ActiveOrders(ctx, userType, userID, true)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	res.ActiveInSQL = len(active)
	activeSet := make(map[string]struct{}, len(active))
	for _, o := range active {
		activeSet[o.OrderID] = struct{}{}
	}

	cached, err := s.scanHoldingIDs(ctx, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	res.CachedHoldings = len(cached)

	var stale []string
	for id := range cached {
		if _, ok := activeSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	res.StaleFound = len(stale)

	staleSymbols := make(map[string]struct{})
	for _, orderID := range stale {
		symbol := s.pruneOne(ctx, userType, userID, orderID, deep, res)
		if symbol != "" {
			staleSymbols[symbol] = struct{}{}
		}
	}

	if pruneSymbolHolders {
		for symbol := range staleSymbols {
			removed, err := s.pruneSymbolHolder(ctx, userType, userID, symbol)
			if err != nil {
				s.met.ReconErrors.WithLabelValues("prune").Inc()
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			if removed {
				res.SymbolHoldersRemoved++
			}
		}
	}

	s.logger.Info("prune completed",
		zap.String("user", cache.UserTag(userType, userID)),
		zap.Int("cached_holdings", res.CachedHoldings),
		zap.Int("stale_found", res.StaleFound),
		zap.Int("holdings_removed", res.HoldingsRemoved),
		zap.Bool("deep", deep),
		zap.Int("suberrors", len(res.Errors)),
	)
	if res.HoldingsRemoved > 0 {
		s.notify(userType, userID, "prune")
	}
	return res, nil
}

// pruneOne removes one stale order and returns its symbol when known, for
// the optional symbol-holders cleanup.
func (s *Service) pruneOne(ctx context.Context, userType, userID, orderID string, deep bool, res *PruneResult) string {
	// Resolve symbol/side before anything is deleted. The canonical record
	// is tried first, the relational row second; when both fail the
	// index-side cleanup is skipped with a warning rather than guessed.
	meta := s.resolveStaleMeta(ctx, userType, userID, orderID)

	// Holding and index membership share the user's tag: one atomic pass.
	batch := s.cache.NewTagBatch()
	batchErr := batch.Del(cache.HoldingKey(userType, userID, orderID))
	if batchErr == nil {
		batchErr = batch.SRem(cache.OrderIndexKey(userType, userID), orderID)
	}
	if batchErr == nil {
		batchErr = batch.Exec(ctx)
	}
	if batchErr != nil {
		s.met.ReconErrors.WithLabelValues("prune").Inc()
		s.logger.Warn("prune: holding removal failed",
			zap.String("order_id", orderID), zap.Error(batchErr))
		res.Errors = append(res.Errors, batchErr.Error())
	} else {
		res.HoldingsRemoved++
		res.IndexEntriesRemoved++
		s.met.StalePruned.Inc()
	}

	if !deep {
		if meta != nil {
			return meta.Symbol
		}
		return ""
	}

	if meta == nil {
		s.logger.Warn("prune: symbol/type unresolved after canonical and relational lookups, index cleanup skipped",
			zap.String("order_id", orderID))
		res.Skipped++
		return ""
	}

	// Cross-tag deletions run sequentially; each failure is recorded and the
	// remaining steps still run.
	ops := &cache.CrossTagOps{}
	ops.Append("canonical:"+orderID, func(ctx context.Context) error {
		// Lookup values were captured in meta before this delete.
		if err := s.store.RemoveCanonical(ctx, orderID); err != nil {
			return err
		}
		res.CanonicalRemoved++
		return nil
	})
	ops.Append("lookups:"+orderID, func(ctx context.Context) error {
		removed, err := s.store.RemoveLookups(ctx, meta)
		res.LookupsRemoved += removed
		return err
	})
	if order.IsPendingType(meta.OrderType) {
		ops.Append("pending_index:"+orderID, func(ctx context.Context) error {
			return s.pindex.RemovePending(ctx, meta.Symbol, meta.OrderType, orderID)
		})
		ops.Append("remote_pending:"+orderID, func(ctx context.Context) error {
			return s.pindex.RemoveRemotePending(ctx, meta.Symbol, orderID)
		})
	}
	if side := meta.Side(); side != "" {
		ops.Append("triggers:"+orderID, func(ctx context.Context) error {
			return s.pindex.RemoveTriggers(ctx, meta.Symbol, side, orderID)
		})
	}
	for _, failure := range ops.Run(ctx) {
		s.met.ReconErrors.WithLabelValues("prune").Inc()
		s.logger.Warn("prune: deep cleanup step failed",
			zap.String("order_id", orderID), zap.Error(failure.Err))
		res.Errors = append(res.Errors, failure.Error())
	}
	return meta.Symbol
}

// resolveStaleMeta recovers the symbol/type of a stale order from the
// holding hash, the canonical record, or the relational row, in that order.
// Returns nil when no source can tell.
func (s *Service) resolveStaleMeta(ctx context.Context, userType, userID, orderID string) *order.Order {
	if m, err := s.cache.Redis().HGetAll(ctx, cache.HoldingKey(userType, userID, orderID)).Result(); err == nil && len(m) > 0 {
		o := order.FromMapping(m)
		o.OrderID = orderID
		if o.Symbol != "" && o.OrderType != "" {
			// Pull the ledger from the canonical record so deep prune can
			// clear the Global Lookup; the holding copy does not carry it.
			if canonical, err := s.fetchCanonicalRaw(ctx, orderID); err == nil && canonical != nil {
				o.Lifecycle = canonical.Lifecycle
			}
			return o
		}
	}
	if o, err := s.fetchCanonicalRaw(ctx, orderID); err == nil && o != nil && o.Symbol != "" && o.OrderType != "" {
		return o
	}
	if row, err := s.repo.GetOrder(ctx, orderID); err == nil && row != nil && row.Symbol != "" && row.OrderType != "" {
		return row
	}
	return nil
}

// fetchCanonicalRaw reads the canonical record without the repair path: the
// order is being pruned, repopulating it from SQL would be wasted work.
func (s *Service) fetchCanonicalRaw(ctx context.Context, orderID string) (*order.Order, error) {
	m, err := s.cache.Redis().HGetAll(ctx, cache.CanonicalKey(orderID)).Result()
	if err != nil || len(m) == 0 {
		return nil, err
	}
	o := order.FromMapping(m)
	o.OrderID = orderID
	return o, nil
}

// pruneSymbolHolder drops the user from a symbol's holders set when no
// remaining cached holding of the user references the symbol.
func (s *Service) pruneSymbolHolder(ctx context.Context, userType, userID, symbol string) (bool, error) {
	remaining, err := s.scanHoldingIDs(ctx, userType, userID)
	if err != nil {
		return false, err
	}
	for id := range remaining {
		m, err := s.cache.Redis().HGet(ctx, cache.HoldingKey(userType, userID, id), "symbol").Result()
		if err == nil && m == symbol {
			return false, nil
		}
	}
	key := cache.SymbolHoldersKey(symbol, userType)
	if err := s.cache.Redis().SRem(ctx, key, cache.UserTag(userType, userID)).Err(); err != nil {
		return false, fmt.Errorf("prune symbol holder %s: %w", key, err)
	}
	return true, nil
}
