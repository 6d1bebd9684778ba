package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var supportedCryptocurrencies = map[string]bool{"USDC": true, "USDT": true}

// OrderLedger owns P2P order inventory. Available amounts are only changed
// through conditional updates so concurrent fills of one order can never
// overdraw it, even across processes.
type OrderLedger struct {
	db *gorm.DB
}

func NewOrderLedger(db *gorm.DB) *OrderLedger {
	return &OrderLedger{db: db}
}

type CreateOrderParams struct {
	OwnerID        string
	Side           models.OrderSide
	Cryptocurrency string
	FiatCurrency   string
	Price          decimal.Decimal
	Amount         decimal.Decimal
}

func (l *OrderLedger) Create(ctx context.Context, params CreateOrderParams) (*models.P2POrder, error) {
	if params.OwnerID == "" {
		return nil, validationError("owner is required")
	}
	if params.Side != models.OrderSideBuy && params.Side != models.OrderSideSell {
		return nil, validationError("side must be BUY or SELL, got %q", params.Side)
	}
	if !supportedCryptocurrencies[params.Cryptocurrency] {
		return nil, validationError("unsupported cryptocurrency %q", params.Cryptocurrency)
	}
	if !params.Price.IsPositive() || !params.Amount.IsPositive() {
		return nil, validationError("price and amount must be positive")
	}
	if _, err := models.ToUnits(params.Amount); err != nil {
		return nil, validationError("%v", err)
	}

	var owner models.User
	if err := l.db.WithContext(ctx).Select("id").First(&owner, "id = ?", params.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user", params.OwnerID)
		}
		return nil, fmt.Errorf("failed to load owner: %w", err)
	}

	order := &models.P2POrder{
		OwnerID:         params.OwnerID,
		Side:            params.Side,
		Cryptocurrency:  params.Cryptocurrency,
		FiatCurrency:    params.FiatCurrency,
		Price:           params.Price,
		TotalAmount:     params.Amount,
		AvailableAmount: params.Amount,
	}
	if order.FiatCurrency == "" {
		order.FiatCurrency = "INR"
	}
	if err := l.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	zap.L().Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("amount", order.TotalAmount.String()))
	return order, nil
}

func (l *OrderLedger) Get(ctx context.Context, id string) (*models.P2POrder, error) {
	var order models.P2POrder
	if err := l.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("order", id)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

type OrderFilter struct {
	Side           models.OrderSide
	Cryptocurrency string
	OpenOnly       bool
}

func (l *OrderLedger) List(ctx context.Context, filter OrderFilter) ([]models.P2POrder, error) {
	query := l.db.WithContext(ctx).Model(&models.P2POrder{})
	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}
	if filter.Cryptocurrency != "" {
		query = query.Where("cryptocurrency = ?", filter.Cryptocurrency)
	}
	if filter.OpenOnly {
		query = query.Where("available_units > 0")
	}

	var orders []models.P2POrder
	if err := query.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// Reserve decrements the available amount of an order by amount in a single
// conditional update. It fails with ErrNotFound when the order is missing and
// ErrInsufficientInventory when amount exceeds what is available; in both
// cases nothing is written.
func (l *OrderLedger) Reserve(ctx context.Context, id string, amount decimal.Decimal) (*models.P2POrder, error) {
	units, err := fillUnits(amount)
	if err != nil {
		return nil, err
	}

	db := l.db.WithContext(ctx)
	res := db.Model(&models.P2POrder{}).
		Where("id = ? AND available_units >= ?", id, units).
		Update("available_units", gorm.Expr("available_units - ?", units))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reserve order inventory: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		order, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		zap.L().Warn("Fill exceeds available amount",
			zap.String("order_id", id),
			zap.String("requested", amount.String()),
			zap.String("available", order.AvailableAmount.String()))
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientInventory, amount, order.AvailableAmount)
	}

	order, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Order inventory reserved",
		zap.String("order_id", id),
		zap.String("amount", amount.String()),
		zap.String("available", order.AvailableAmount.String()))
	return order, nil
}

// Release gives back inventory taken by Reserve. It never raises the
// available amount above the order total.
func (l *OrderLedger) Release(ctx context.Context, id string, amount decimal.Decimal) error {
	return l.ReleaseTx(l.db.WithContext(ctx), id, amount)
}

func (l *OrderLedger) ReleaseTx(tx *gorm.DB, id string, amount decimal.Decimal) error {
	units, err := fillUnits(amount)
	if err != nil {
		return err
	}
	res := tx.Model(&models.P2POrder{}).
		Where("id = ? AND available_units + ? <= total_units", id, units).
		Update("available_units", gorm.Expr("available_units + ?", units))
	if res.Error != nil {
		return fmt.Errorf("failed to release order inventory: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: cannot release %s on order %s", ErrConflict, amount, id)
	}
	zap.L().Info("Order inventory released", zap.String("order_id", id), zap.String("amount", amount.String()))
	return nil
}

// fillUnits validates a fill amount and converts it to on-chain units. The
// transfer carries at most 7 decimal places, so finer amounts are refused
// rather than rounded.
func fillUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, validationError("fill amount must be positive")
	}
	units, err := models.ToUnits(amount)
	if err != nil {
		return 0, validationError("%v", err)
	}
	return units, nil
}
