package recon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/orderstate/internal/order"
)

// Snapshot is the aggregated portfolio view persisted at the portfolio key
// and served to the control layer.
type Snapshot struct {
	UserType        string          `json:"user_type"`
	UserID          string          `json:"user_id"`
	TakenAt         time.Time       `json:"taken_at"`
	OrderCount      int             `json:"order_count"`
	Symbols         map[string]int  `json:"symbols"`
	TotalMargin     decimal.Decimal `json:"total_margin"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	TotalSwap       decimal.Decimal `json:"total_swap"`
	Orders          []*order.Order  `json:"orders,omitempty"`
}

// BackfillResult reports per-phase counts of one backfill run. Partial cache
// failures are collected in Errors instead of aborting the scope, so
// operators can see exactly what converged.
type BackfillResult struct {
	UserType            string   `json:"user_type"`
	UserID              string   `json:"user_id"`
	ActiveInSQL         int      `json:"active_in_sql"`
	HoldingsCreated     int      `json:"holdings_created"`
	IndexAdded          int      `json:"index_added"`
	SymbolsTouched      int      `json:"symbols_touched"`
	CanonicalBackfilled int      `json:"canonical_backfilled"`
	LookupsEnsured      int      `json:"lookups_ensured"`
	Errors              []string `json:"errors,omitempty"`
}

// DeepRebuildResult extends the backfill counts with the derived-cache
// rebuild phases.
type DeepRebuildResult struct {
	BackfillResult
	RoutingFlow      string `json:"routing_flow"`
	PendingIndexed   int    `json:"pending_indexed"`
	RemoteRegistered int    `json:"remote_registered"`
	TriggersIndexed  int    `json:"triggers_indexed"`
	Skipped          int    `json:"skipped"`
}

// PruneResult reports what one prune run removed.
type PruneResult struct {
	UserType             string   `json:"user_type"`
	UserID               string   `json:"user_id"`
	ActiveInSQL          int      `json:"active_in_sql"`
	CachedHoldings       int      `json:"cached_holdings"`
	StaleFound           int      `json:"stale_found"`
	HoldingsRemoved      int      `json:"holdings_removed"`
	CanonicalRemoved     int      `json:"canonical_removed"`
	LookupsRemoved       int      `json:"lookups_removed"`
	IndexEntriesRemoved  int      `json:"index_entries_removed"`
	SymbolHoldersRemoved int      `json:"symbol_holders_removed"`
	Skipped              int      `json:"skipped"`
	Errors               []string `json:"errors,omitempty"`
}

// IndexRebuildResult reports an order-index rebuild from cached holdings.
type IndexRebuildResult struct {
	UserType   string   `json:"user_type"`
	UserID     string   `json:"user_id"`
	Holdings   int      `json:"holdings"`
	IndexAdded int      `json:"index_added"`
	Errors     []string `json:"errors,omitempty"`
}

// HoldingResult reports an ensure-single-holding repair.
type HoldingResult struct {
	OrderID        string `json:"order_id"`
	ActiveInSQL    bool   `json:"active_in_sql"`
	HoldingWritten bool   `json:"holding_written"`
	HoldingRemoved bool   `json:"holding_removed"`
}

// SymbolHoldersResult reports a symbol-holders rebuild.
type SymbolHoldersResult struct {
	Symbol  string         `json:"symbol"`
	Holders map[string]int `json:"holders"` // user_type -> member count
}
