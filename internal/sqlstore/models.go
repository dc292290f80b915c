// Package sqlstore reads the relational system-of-record. The relational
// store is authoritative; everything here is read-mostly and the business
// columns beyond what reconciliation copies belong to other services.
package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRow mirrors the columns of the orders table that the cache projects.
type OrderRow struct {
	OrderID    string          `gorm:"column:order_id;primaryKey"`
	UserType   string          `gorm:"column:user_type;index:idx_orders_owner"`
	UserID     string          `gorm:"column:user_id;index:idx_orders_owner"`
	Symbol     string          `gorm:"column:symbol;index"`
	OrderType  string          `gorm:"column:order_type"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric(24,8)"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:numeric(24,8)"`
	Status     string          `gorm:"column:status;index"`
	Margin     decimal.Decimal `gorm:"column:margin;type:numeric(24,8)"`
	Commission decimal.Decimal `gorm:"column:commission;type:numeric(24,8)"`
	Swap       decimal.Decimal `gorm:"column:swap;type:numeric(24,8)"`
	StopLoss   decimal.Decimal `gorm:"column:stop_loss;type:numeric(24,8)"`
	TakeProfit decimal.Decimal `gorm:"column:take_profit;type:numeric(24,8)"`
	GroupName  string          `gorm:"column:group_name"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

// TableName sets the table for OrderRow.
func (OrderRow) TableName() string { return "orders" }

// GroupSymbolSetting carries the pricing-tier spread configuration used to
// compute comparison prices for the pending index.
type GroupSymbolSetting struct {
	GroupName string          `gorm:"column:group_name;primaryKey"`
	Symbol    string          `gorm:"column:symbol;primaryKey"`
	Spread    decimal.Decimal `gorm:"column:spread;type:numeric(24,8)"`
	SpreadPip decimal.Decimal `gorm:"column:spread_pip;type:numeric(24,8)"`
}

// TableName sets the table for GroupSymbolSetting.
func (GroupSymbolSetting) TableName() string { return "group_symbol_settings" }

// UserSetting carries the per-user execution configuration; RoutingFlow
// decides whether pending orders match locally or at a remote venue.
type UserSetting struct {
	UserType    string `gorm:"column:user_type;primaryKey"`
	UserID      string `gorm:"column:user_id;primaryKey"`
	RoutingFlow string `gorm:"column:routing_flow"`
}

// TableName sets the table for UserSetting.
func (UserSetting) TableName() string { return "user_settings" }
