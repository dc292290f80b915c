package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/cache"
)

// ErrOrderNotFound is returned when a canonical record does not exist in
// either the cache or the relational store.
var ErrOrderNotFound = errors.New("order: canonical record not found")

// SQLSource is the slice of the relational repository the store needs to
// repair incomplete canonical records.
type SQLSource interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// Store owns the canonical order records, the lifecycle ledger and the
// Global Lookup map in the cache. It never touches user-scoped keys: the
// canonical record and the lookup entries are global and are written
// sequentially, never batched with holdings.
type Store struct {
	rdb    redis.UniversalClient
	sql    SQLSource
	logger *zap.Logger
}

// NewStore creates a canonical order store.
func NewStore(rdb redis.UniversalClient, sql SQLSource, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, sql: sql, logger: logger}
}

// FetchCanonical reads the canonical record. Absence returns (nil, nil). An
// incomplete record is repaired from the relational store before being
// returned; when the repair source has no row either, the partial record is
// returned as-is and the caller decides whether to trust it.
func (s *Store) FetchCanonical(ctx context.Context, orderID string) (*Order, error) {
	m, err := s.rdb.HGetAll(ctx, cache.CanonicalKey(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch canonical %s: %w", orderID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	o := FromMapping(m)
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	if o.Incomplete() {
		repaired, err := s.RepopulateFromSQL(ctx, o)
		if err != nil {
			s.logger.Warn("canonical record incomplete and repair failed",
				zap.String("order_id", orderID), zap.Error(err))
			return o, nil
		}
		return repaired, nil
	}
	return o, nil
}

// RepopulateFromSQL overlays relational fields onto a partial canonical
// record, preserving the lifecycle ledger, and writes the result back.
func (s *Store) RepopulateFromSQL(ctx context.Context, partial *Order) (*Order, error) {
	row, err := s.sql.GetOrder(ctx, partial.OrderID)
	if err != nil {
		return nil, fmt.Errorf("repopulate %s: %w", partial.OrderID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("repopulate %s: %w", partial.OrderID, ErrOrderNotFound)
	}
	partial.MergeFrom(row)
	if err := s.SaveCanonical(ctx, partial); err != nil {
		return nil, err
	}
	s.logger.Info("canonical record repaired from relational store",
		zap.String("order_id", partial.OrderID))
	return partial, nil
}

// SaveCanonical writes the full canonical mapping.
func (s *Store) SaveCanonical(ctx context.Context, o *Order) error {
	if err := s.rdb.HSet(ctx, cache.CanonicalKey(o.OrderID), o.RedisMapping()).Err(); err != nil {
		return fmt.Errorf("save canonical %s: %w", o.OrderID, err)
	}
	return nil
}

// RemoveCanonical deletes the canonical record.
func (s *Store) RemoveCanonical(ctx context.Context, orderID string) error {
	return s.rdb.Del(ctx, cache.CanonicalKey(orderID)).Err()
}

// AddLifecycleID issues a new lifecycle identifier for (orderID, idType):
// the prior active entry becomes replaced, the new value becomes active, and
// the value is registered in the Global Lookup. Re-issuing the active value
// is a no-op apart from the audit note.
func (s *Store) AddLifecycleID(ctx context.Context, orderID, idType, value, note string) error {
	key := cache.CanonicalKey(orderID)
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("add lifecycle id %s/%s: %w", orderID, idType, err)
	}
	if len(m) == 0 {
		return fmt.Errorf("add lifecycle id %s/%s: %w", orderID, idType, ErrOrderNotFound)
	}
	o := FromMapping(m)
	o.OrderID = orderID
	if o.Lifecycle == nil {
		o.Lifecycle = Ledger{}
	}
	issued := o.Lifecycle.Issue(idType, value, note, time.Now().UTC())

	raw, err := o.Lifecycle.Marshal()
	if err != nil {
		return fmt.Errorf("add lifecycle id %s/%s: marshal ledger: %w", orderID, idType, err)
	}
	if err := s.rdb.HSet(ctx, key, "lifecycle", string(raw)).Err(); err != nil {
		return fmt.Errorf("add lifecycle id %s/%s: %w", orderID, idType, err)
	}
	if err := s.rdb.Set(ctx, cache.GlobalLookupKey(value), orderID, 0).Err(); err != nil {
		return fmt.Errorf("register lookup %s: %w", value, err)
	}
	if !issued {
		s.logger.Debug("lifecycle value re-issued, note updated",
			zap.String("order_id", orderID), zap.String("id_type", idType))
	}
	return nil
}

// ResolveOrder maps any lifecycle value back to its order id in O(1).
// Unknown values return ("", nil).
func (s *Store) ResolveOrder(ctx context.Context, value string) (string, error) {
	orderID, err := s.rdb.Get(ctx, cache.GlobalLookupKey(value)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	return orderID, nil
}

// UpdateLifecycleStatus applies a monotonic status transition to the entry
// holding value. Duplicate or out-of-order callbacks land on a terminal
// entry and are tolerated as no-ops, not errors.
func (s *Store) UpdateLifecycleStatus(ctx context.Context, value, status, note string) error {
	orderID, err := s.ResolveOrder(ctx, value)
	if err != nil {
		return err
	}
	if orderID == "" {
		s.logger.Warn("lifecycle status update for unknown value", zap.String("value", value))
		return nil
	}
	key := cache.CanonicalKey(orderID)
	raw, err := s.rdb.HGet(ctx, key, "lifecycle").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update lifecycle %s: %w", value, err)
	}
	ledger, err := UnmarshalLedger([]byte(raw))
	if err != nil {
		return fmt.Errorf("update lifecycle %s: decode ledger: %w", value, err)
	}
	if !ledger.Transition(value, status, note, time.Now().UTC()) {
		// Already terminal or unknown inside the ledger: duplicate callback.
		return nil
	}
	out, err := ledger.Marshal()
	if err != nil {
		return fmt.Errorf("update lifecycle %s: marshal ledger: %w", value, err)
	}
	if err := s.rdb.HSet(ctx, key, "lifecycle", string(out)).Err(); err != nil {
		return fmt.Errorf("update lifecycle %s: %w", value, err)
	}
	return nil
}

// EnsureLookups registers every ledger value of the record in the Global
// Lookup without overwriting existing entries. Used by backfill repair.
func (s *Store) EnsureLookups(ctx context.Context, o *Order) (int, error) {
	ensured := 0
	for _, v := range o.Lifecycle.Values() {
		ok, err := s.rdb.SetNX(ctx, cache.GlobalLookupKey(v), o.OrderID, 0).Result()
		if err != nil {
			return ensured, fmt.Errorf("ensure lookup %s: %w", v, err)
		}
		if ok {
			ensured++
		}
	}
	return ensured, nil
}

// RemoveLookups deletes the Global Lookup entries for every value the record
// ever issued. Called by deep prune after reading the canonical record and
// before deleting it.
func (s *Store) RemoveLookups(ctx context.Context, o *Order) (int, error) {
	removed := 0
	for _, v := range o.Lifecycle.Values() {
		if err := s.rdb.Del(ctx, cache.GlobalLookupKey(v)).Err(); err != nil {
			return removed, fmt.Errorf("remove lookup %s: %w", v, err)
		}
		removed++
	}
	return removed, nil
}
