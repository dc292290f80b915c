package recon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
)

// Backfill reads the user's active orders from the relational store and
// creates the holdings and index memberships the cache is missing. For the
// full active set — not just the newly created entries — it ensures Symbol
// Holders membership and a complete canonical record with registered
// lookups. Running it twice without a relational change yields zero creates.
func (s *Service) Backfill(ctx context.Context, userType, userID string, includeQueued bool) (*BackfillResult, error) {
	s.met.ReconRuns.WithLabelValues("backfill").Inc()
	res := &BackfillResult{UserType: userType, UserID: userID}

	// The relational read is the source of truth; its failure aborts the
	// whole call before any cache mutation.
	active, err := s.repo.ActiveOrders(ctx, userType, userID, includeQueued)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}
	res.ActiveInSQL = len(active)

	cached, err := s.scanHoldingIDs(ctx, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}

	// Holdings and the order index share the user's partition tag, so the
	// missing entries go out in one atomic batch.
	batch := s.cache.NewTagBatch()
	indexKey := cache.OrderIndexKey(userType, userID)
	created := 0
	for _, o := range active {
		if _, ok := cached[o.OrderID]; ok {
			continue
		}
		if err := batch.HSet(cache.HoldingKey(userType, userID, o.OrderID), o.RedisMapping()); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if err := batch.SAdd(indexKey, o.OrderID); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		created++
	}
	if err := batch.Exec(ctx); err != nil {
		s.met.ReconErrors.WithLabelValues("backfill").Inc()
		s.logger.Error("backfill: holding batch failed",
			zap.String("user", cache.UserTag(userType, userID)), zap.Error(err))
		res.Errors = append(res.Errors, err.Error())
		created = 0
	}
	res.HoldingsCreated = created
	res.IndexAdded = created

	// Symbol Holders and canonical records are global keys: sequential,
	// per-item failures logged and counted, never aborting the scope.
	symbols := make(map[string]struct{})
	ops := &cache.CrossTagOps{}
	tag := cache.UserTag(userType, userID)
	for _, o := range active {
		if _, seen := symbols[o.Symbol]; !seen {
			symbols[o.Symbol] = struct{}{}
			key := cache.SymbolHoldersKey(o.Symbol, userType)
			ops.Append("symbol_holders:"+o.Symbol, func(ctx context.Context) error {
				return s.cache.Redis().SAdd(ctx, key, tag).Err()
			})
		}
	}
	for _, failure := range ops.Run(ctx) {
		s.met.ReconErrors.WithLabelValues("backfill").Inc()
		s.logger.Warn("backfill: symbol holders update failed", zap.Error(failure.Err))
		res.Errors = append(res.Errors, failure.Error())
	}
	res.SymbolsTouched = len(symbols)

	for _, o := range active {
		existing, err := s.store.FetchCanonical(ctx, o.OrderID)
		if err != nil {
			s.met.ReconErrors.WithLabelValues("backfill").Inc()
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		switch {
		case existing == nil:
			if err := s.store.SaveCanonical(ctx, o); err != nil {
				s.met.ReconErrors.WithLabelValues("backfill").Inc()
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.CanonicalBackfilled++
		case existing.Incomplete():
			existing.MergeFrom(o)
			if err := s.store.SaveCanonical(ctx, existing); err != nil {
				s.met.ReconErrors.WithLabelValues("backfill").Inc()
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.CanonicalBackfilled++
		}
		record := existing
		if record == nil {
			record = o
		}
		ensured, err := s.store.EnsureLookups(ctx, record)
		if err != nil {
			s.met.ReconErrors.WithLabelValues("backfill").Inc()
			res.Errors = append(res.Errors, err.Error())
		}
		res.LookupsEnsured += ensured
	}

	s.logger.Info("backfill completed",
		zap.String("user", tag),
		zap.Int("active_in_sql", res.ActiveInSQL),
		zap.Int("holdings_created", res.HoldingsCreated),
		zap.Int("symbols_touched", res.SymbolsTouched),
		zap.Int("canonical_backfilled", res.CanonicalBackfilled),
		zap.Int("suberrors", len(res.Errors)),
	)
	s.notify(userType, userID, "backfill")
	return res, nil
}
