package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tradewire/orderstate/internal/order"
)

// Repository is the gorm-backed read side of the system-of-record. Failures
// here are fatal to the reconciliation call that issued them: the cache is
// never mutated from a failed relational read.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates a repository over an open gorm connection.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// AutoMigrate creates the tables reconciliation reads. Production schemas
// are owned by migrations elsewhere; this exists for tests and local runs.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&OrderRow{}, &GroupSymbolSetting{}, &UserSetting{})
}

// DB exposes the underlying gorm handle.
func (r *Repository) DB() *gorm.DB { return r.db }

// ActiveOrders returns every order of the user in an active status.
func (r *Repository) ActiveOrders(ctx context.Context, userType, userID string, includeQueued bool) ([]*order.Order, error) {
	var rows []OrderRow
	err := r.db.WithContext(ctx).
		Where("user_type = ? AND user_id = ? AND status IN ?",
			userType, userID, order.ActiveStatuses(includeQueued)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("active orders for %s:%s: %w", userType, userID, err)
	}
	orders := make([]*order.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rowToOrder(&rows[i]))
	}
	return orders, nil
}

// GetOrder returns a single order row, or (nil, nil) when absent.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	var row OrderRow
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return rowToOrder(&row), nil
}

// ActiveHolders returns the user tags with at least one active order in the
// symbol, optionally restricted to one user type. Used to rebuild the
// Symbol Holders sets without scanning all users.
func (r *Repository) ActiveHolders(ctx context.Context, symbol, userType string) (map[string][]string, error) {
	type holderRow struct {
		UserType string
		UserID   string
	}
	q := r.db.WithContext(ctx).Model(&OrderRow{}).
		Distinct("user_type", "user_id").
		Where("symbol = ? AND status IN ?", symbol, order.ActiveStatuses(true))
	if userType != "" {
		q = q.Where("user_type = ?", userType)
	}
	var rows []holderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("active holders for %s: %w", symbol, err)
	}
	holders := make(map[string][]string)
	for _, row := range rows {
		holders[row.UserType] = append(holders[row.UserType], row.UserID)
	}
	return holders, nil
}

// GroupSymbolSetting returns the spread configuration for a pricing group
// and symbol, or (nil, nil) when the pair has no explicit configuration.
func (r *Repository) GroupSymbolSetting(ctx context.Context, groupName, symbol string) (*GroupSymbolSetting, error) {
	var setting GroupSymbolSetting
	err := r.db.WithContext(ctx).
		Where("group_name = ? AND symbol = ?", groupName, symbol).
		First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group symbol setting %s/%s: %w", groupName, symbol, err)
	}
	return &setting, nil
}

// UserRouting returns the user's routing flow; users without an explicit
// setting match locally.
func (r *Repository) UserRouting(ctx context.Context, userType, userID string) (string, error) {
	var setting UserSetting
	err := r.db.WithContext(ctx).
		Where("user_type = ? AND user_id = ?", userType, userID).
		First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return order.FlowLocal, nil
	}
	if err != nil {
		return "", fmt.Errorf("user routing %s:%s: %w", userType, userID, err)
	}
	if setting.RoutingFlow == "" {
		return order.FlowLocal, nil
	}
	return setting.RoutingFlow, nil
}

func rowToOrder(row *OrderRow) *order.Order {
	return &order.Order{
		OrderID:    row.OrderID,
		UserType:   row.UserType,
		UserID:     row.UserID,
		Symbol:     row.Symbol,
		OrderType:  row.OrderType,
		Price:      row.Price,
		Quantity:   row.Quantity,
		Status:     row.Status,
		Margin:     row.Margin,
		Commission: row.Commission,
		Swap:       row.Swap,
		StopLoss:   row.StopLoss,
		TakeProfit: row.TakeProfit,
		Group:      row.GroupName,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}
