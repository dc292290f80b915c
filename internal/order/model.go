// Package order defines the canonical order record cached for every active
// position, the per-user holding projection, and the lifecycle ledger that
// maps every identifier issued during an order's life back to the order.
package order

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Owner account classes. Strategy providers and copy followers are distinct
// classes because their portfolios are replicated by the copy-trade layer.
const (
	UserTypeLive             = "live"
	UserTypeDemo             = "demo"
	UserTypeStrategyProvider = "strategy_provider"
	UserTypeCopyFollower     = "copy_follower"
)

// Order statuses. QUEUED -> PENDING/OPEN -> CLOSED/CANCELLED/REJECTED;
// terminal statuses are absorbing. PENDING-QUEUED covers orders handed to a
// remote venue but not yet acknowledged as pending.
const (
	StatusQueued        = "QUEUED"
	StatusPendingQueued = "PENDING-QUEUED"
	StatusPending       = "PENDING"
	StatusOpen          = "OPEN"
	StatusClosed        = "CLOSED"
	StatusCancelled     = "CANCELLED"
	StatusRejected      = "REJECTED"
)

// Order types: market sides plus the pending limit/stop variants.
const (
	TypeBuy       = "BUY"
	TypeSell      = "SELL"
	TypeLimitBuy  = "LIMIT_BUY"
	TypeLimitSell = "LIMIT_SELL"
	TypeStopBuy   = "STOP_BUY"
	TypeStopSell  = "STOP_SELL"
)

// Sides used by the trigger indexes.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Routing flows for pending orders.
const (
	FlowLocal  = "local"
	FlowRemote = "remote"
)

// IsTerminalStatus reports whether a status is absorbing.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusClosed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// ActiveStatuses returns the relational statuses considered live by
// reconciliation. The QUEUED family is included only on request: queued
// orders have not yet been accepted and some repair paths ignore them.
func ActiveStatuses(includeQueued bool) []string {
	if includeQueued {
		return []string{StatusOpen, StatusPending, StatusQueued, StatusPendingQueued}
	}
	return []string{StatusOpen, StatusPending}
}

// IsPendingType reports whether an order type belongs to the limit/stop
// family that waits in a price-ordered index.
func IsPendingType(orderType string) bool {
	switch orderType {
	case TypeLimitBuy, TypeLimitSell, TypeStopBuy, TypeStopSell:
		return true
	}
	return false
}

// SideOf maps an order type to its market side.
func SideOf(orderType string) string {
	switch orderType {
	case TypeBuy, TypeLimitBuy, TypeStopBuy:
		return SideBuy
	case TypeSell, TypeLimitSell, TypeStopSell:
		return SideSell
	}
	return ""
}

// Order is the canonical cached projection of one order. While the status is
// non-terminal exactly one canonical record and at most one holding entry
// exist per order id; once terminal both are removed from the cache while
// the relational row persists.
type Order struct {
	OrderID    string          `json:"order_id"`
	UserType   string          `json:"user_type"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	OrderType  string          `json:"order_type"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Status     string          `json:"status"`
	Margin     decimal.Decimal `json:"margin"`
	Commission decimal.Decimal `json:"commission"`
	Swap       decimal.Decimal `json:"swap"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Group      string          `json:"group"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// Lifecycle is the append-only ledger of identifiers issued for this
	// order, serialized into the canonical hash alongside the fields above.
	Lifecycle Ledger `json:"lifecycle,omitempty"`
}

// Side returns the market side of the order.
func (o *Order) Side() string { return SideOf(o.OrderType) }

// Incomplete reports whether the record is missing fields the execution path
// depends on. Incomplete records must be repaired from the relational store
// before use.
func (o *Order) Incomplete() bool {
	return o.UserID == "" ||
		o.UserType == "" ||
		o.Symbol == "" ||
		o.OrderType == "" ||
		!o.Price.IsPositive()
}

// Tag returns the partition tag of the owning user.
func (o *Order) Tag() string { return o.UserType + ":" + o.UserID }

// RedisMapping builds the explicit field mapping stored in the canonical and
// holding hashes. Optional zero-valued fields are still written so a read
// always sees the full shape.
func (o *Order) RedisMapping() map[string]interface{} {
	m := map[string]interface{}{
		"order_id":    o.OrderID,
		"user_type":   o.UserType,
		"user_id":     o.UserID,
		"symbol":      o.Symbol,
		"order_type":  o.OrderType,
		"price":       o.Price.String(),
		"quantity":    o.Quantity.String(),
		"status":      o.Status,
		"margin":      o.Margin.String(),
		"commission":  o.Commission.String(),
		"swap":        o.Swap.String(),
		"stop_loss":   o.StopLoss.String(),
		"take_profit": o.TakeProfit.String(),
		"group":       o.Group,
		"created_at":  strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
		"updated_at":  strconv.FormatInt(o.UpdatedAt.UnixMilli(), 10),
	}
	if len(o.Lifecycle) > 0 {
		if raw, err := o.Lifecycle.Marshal(); err == nil {
			m["lifecycle"] = string(raw)
		}
	}
	return m
}

// FromMapping rebuilds an Order from a hash read. Unparseable numeric fields
// decode as zero, which the Incomplete check then surfaces.
func FromMapping(m map[string]string) *Order {
	o := &Order{
		OrderID:   m["order_id"],
		UserType:  m["user_type"],
		UserID:    m["user_id"],
		Symbol:    m["symbol"],
		OrderType: m["order_type"],
		Status:    m["status"],
		Group:     m["group"],
	}
	o.Price = parseDecimal(m["price"])
	o.Quantity = parseDecimal(m["quantity"])
	o.Margin = parseDecimal(m["margin"])
	o.Commission = parseDecimal(m["commission"])
	o.Swap = parseDecimal(m["swap"])
	o.StopLoss = parseDecimal(m["stop_loss"])
	o.TakeProfit = parseDecimal(m["take_profit"])
	o.CreatedAt = parseMilli(m["created_at"])
	o.UpdatedAt = parseMilli(m["updated_at"])
	if raw := m["lifecycle"]; raw != "" {
		if ledger, err := UnmarshalLedger([]byte(raw)); err == nil {
			o.Lifecycle = ledger
		}
	}
	return o
}

// MergeFrom copies relational fields from src without touching the lifecycle
// ledger, so a repair never loses issued identifiers.
func (o *Order) MergeFrom(src *Order) {
	o.UserType = src.UserType
	o.UserID = src.UserID
	o.Symbol = src.Symbol
	o.OrderType = src.OrderType
	o.Price = src.Price
	o.Quantity = src.Quantity
	o.Status = src.Status
	o.Margin = src.Margin
	o.Commission = src.Commission
	o.Swap = src.Swap
	o.StopLoss = src.StopLoss
	o.TakeProfit = src.TakeProfit
	o.Group = src.Group
	o.CreatedAt = src.CreatedAt
	o.UpdatedAt = src.UpdatedAt
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMilli(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
