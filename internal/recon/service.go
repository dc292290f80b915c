// Package recon implements the reconciliation engine: backfill, deep
// rebuild and prune converge the cache toward the relational truth. Every
// operation is idempotent and bounded to its scope; the relational read is
// the only fatal failure, cache sub-operations fail soft and are counted.
package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/bus"
	"github.com/tradewire/orderstate/internal/cache"
	"github.com/tradewire/orderstate/internal/order"
	"github.com/tradewire/orderstate/internal/pindex"
	"github.com/tradewire/orderstate/internal/sqlstore"
	"github.com/tradewire/orderstate/pkg/metrics"
)

// Service wires the reconciliation engine to its collaborators. Constructed
// once at process start; no package-level state.
type Service struct {
	cache  *cache.Client
	store  *order.Store
	repo   *sqlstore.Repository
	pindex *pindex.Manager
	bus    *bus.Bus
	met    *metrics.Metrics
	logger *zap.Logger
}

// NewService creates the reconciliation service. The bus may be nil when the
// caller does not fan out (one-shot admin tooling).
func NewService(c *cache.Client, store *order.Store, repo *sqlstore.Repository,
	idx *pindex.Manager, b *bus.Bus, met *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		cache:  c,
		store:  store,
		repo:   repo,
		pindex: idx,
		bus:    b,
		met:    met,
		logger: logger,
	}
}

// scanHoldingIDs enumerates the user's cached holdings by key pattern. The
// order index is deliberately not trusted here: cache and index can drift
// independently and reconciliation must see the cache as it is.
func (s *Service) scanHoldingIDs(ctx context.Context, userType, userID string) (map[string]struct{}, error) {
	keys, err := s.cache.ScanKeys(ctx, cache.HoldingPattern(userType, userID))
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if id := cache.HoldingOrderID(key); id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// notify publishes a refresh event for the user after a reconciliation pass.
func (s *Service) notify(userType, userID, reason string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"reason": reason,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
	s.bus.EmitUserUpdate(userType, userID, payload)
}

// RebuildUserIndices re-adds every cached holding to the user's order index.
// It repairs an index that lost members without touching the holdings
// themselves.
func (s *Service) RebuildUserIndices(ctx context.Context, userType, userID string) (*IndexRebuildResult, error) {
	s.met.ReconRuns.WithLabelValues("rebuild_indices").Inc()
	res := &IndexRebuildResult{UserType: userType, UserID: userID}

	cached, err := s.scanHoldingIDs(ctx, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("rebuild indices: %w", err)
	}
	res.Holdings = len(cached)
	if len(cached) == 0 {
		return res, nil
	}

	batch := s.cache.NewTagBatch()
	indexKey := cache.OrderIndexKey(userType, userID)
	for id := range cached {
		if err := batch.SAdd(indexKey, id); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.IndexAdded++
	}
	if err := batch.Exec(ctx); err != nil {
		s.met.ReconErrors.WithLabelValues("rebuild_indices").Inc()
		res.IndexAdded = 0
		res.Errors = append(res.Errors, err.Error())
	}
	s.notify(userType, userID, "rebuild_indices")
	return res, nil
}

// EnsureSingleHolding reconciles one order for one user: active in SQL means
// the holding, index membership, canonical record and lookups exist; a
// terminal or missing row means the holding is removed.
func (s *Service) EnsureSingleHolding(ctx context.Context, userType, userID, orderID string) (*HoldingResult, error) {
	s.met.ReconRuns.WithLabelValues("ensure_holding").Inc()
	res := &HoldingResult{OrderID: orderID}

	row, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("ensure holding: %w", err)
	}

	holdingKey := cache.HoldingKey(userType, userID, orderID)
	indexKey := cache.OrderIndexKey(userType, userID)

	if row == nil || order.IsTerminalStatus(row.Status) {
		batch := s.cache.NewTagBatch()
		if err := batch.Del(holdingKey); err != nil {
			return nil, err
		}
		if err := batch.SRem(indexKey, orderID); err != nil {
			return nil, err
		}
		if err := batch.Exec(ctx); err != nil {
			return nil, fmt.Errorf("ensure holding remove: %w", err)
		}
		res.HoldingRemoved = true
		s.notify(userType, userID, "ensure_holding")
		return res, nil
	}

	res.ActiveInSQL = true
	batch := s.cache.NewTagBatch()
	if err := batch.HSet(holdingKey, row.RedisMapping()); err != nil {
		return nil, err
	}
	if err := batch.SAdd(indexKey, orderID); err != nil {
		return nil, err
	}
	if err := batch.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ensure holding write: %w", err)
	}
	res.HoldingWritten = true

	// Canonical record and symbol holders are global keys: sequential,
	// never batched with the user-scoped writes above.
	if err := s.ensureCanonical(ctx, row); err != nil {
		s.logger.Warn("ensure holding: canonical repair failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
	if err := s.cache.Redis().SAdd(ctx, cache.SymbolHoldersKey(row.Symbol, userType), cache.UserTag(userType, userID)).Err(); err != nil {
		s.logger.Warn("ensure holding: symbol holders update failed",
			zap.String("symbol", row.Symbol), zap.Error(err))
	}
	s.notify(userType, userID, "ensure_holding")
	return res, nil
}

// ensureCanonical repairs the canonical record from the relational row
// without replacing an already complete one, and re-registers any lifecycle
// values in the Global Lookup.
func (s *Service) ensureCanonical(ctx context.Context, row *order.Order) error {
	existing, err := s.store.FetchCanonical(ctx, row.OrderID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.store.SaveCanonical(ctx, row); err != nil {
			return err
		}
		return nil
	}
	if existing.Incomplete() {
		existing.MergeFrom(row)
		if err := s.store.SaveCanonical(ctx, existing); err != nil {
			return err
		}
	}
	_, err = s.store.EnsureLookups(ctx, existing)
	return err
}

// EnsureSymbolHolder adds the user to a symbol's holders set.
func (s *Service) EnsureSymbolHolder(ctx context.Context, userType, userID, symbol string) error {
	s.met.ReconRuns.WithLabelValues("ensure_symbol_holder").Inc()
	key := cache.SymbolHoldersKey(symbol, userType)
	if err := s.cache.Redis().SAdd(ctx, key, cache.UserTag(userType, userID)).Err(); err != nil {
		return fmt.Errorf("ensure symbol holder %s: %w", key, err)
	}
	return nil
}

// RebuildSymbolHolders rebuilds the holders sets of one symbol from the
// relational truth. Scope restricts the rebuild to one user type; an empty
// scope rebuilds every type present in SQL.
func (s *Service) RebuildSymbolHolders(ctx context.Context, symbol, scope string) (*SymbolHoldersResult, error) {
	s.met.ReconRuns.WithLabelValues("rebuild_symbol_holders").Inc()

	holders, err := s.repo.ActiveHolders(ctx, symbol, scope)
	if err != nil {
		return nil, fmt.Errorf("rebuild symbol holders: %w", err)
	}

	res := &SymbolHoldersResult{Symbol: symbol, Holders: make(map[string]int)}
	types := []string{order.UserTypeLive, order.UserTypeDemo, order.UserTypeStrategyProvider, order.UserTypeCopyFollower}
	if scope != "" {
		types = []string{scope}
	}
	for _, userType := range types {
		key := cache.SymbolHoldersKey(symbol, userType)
		if err := s.cache.Redis().Del(ctx, key).Err(); err != nil {
			s.met.ReconErrors.WithLabelValues("rebuild_symbol_holders").Inc()
			s.logger.Warn("symbol holders reset failed", zap.String("key", key), zap.Error(err))
			continue
		}
		ids := holders[userType]
		if len(ids) == 0 {
			continue
		}
		members := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			members = append(members, cache.UserTag(userType, id))
		}
		if err := s.cache.Redis().SAdd(ctx, key, members...).Err(); err != nil {
			s.met.ReconErrors.WithLabelValues("rebuild_symbol_holders").Inc()
			s.logger.Warn("symbol holders rebuild failed", zap.String("key", key), zap.Error(err))
			continue
		}
		res.Holders[userType] = len(ids)
	}
	return res, nil
}

// PortfolioSnapshot aggregates the user's cached holdings, persists the
// snapshot at the portfolio key and returns it.
func (s *Service) PortfolioSnapshot(ctx context.Context, userType, userID string, detailed bool) (*Snapshot, error) {
	s.met.ReconRuns.WithLabelValues("portfolio_snapshot").Inc()

	cached, err := s.scanHoldingIDs(ctx, userType, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio snapshot: %w", err)
	}

	snap := &Snapshot{
		UserType: userType,
		UserID:   userID,
		TakenAt:  time.Now().UTC(),
		Symbols:  make(map[string]int),
	}
	for id := range cached {
		m, err := s.cache.Redis().HGetAll(ctx, cache.HoldingKey(userType, userID, id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		o := order.FromMapping(m)
		snap.OrderCount++
		snap.Symbols[o.Symbol]++
		snap.TotalMargin = snap.TotalMargin.Add(o.Margin)
		snap.TotalCommission = snap.TotalCommission.Add(o.Commission)
		snap.TotalSwap = snap.TotalSwap.Add(o.Swap)
		if detailed {
			snap.Orders = append(snap.Orders, o)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("portfolio snapshot marshal: %w", err)
	}
	if err := s.cache.Redis().Set(ctx, cache.PortfolioKey(userType, userID), data, 0).Err(); err != nil {
		s.logger.Warn("portfolio snapshot cache write failed",
			zap.String("user", cache.UserTag(userType, userID)), zap.Error(err))
	}
	return snap, nil
}
