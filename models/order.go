package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// P2POrder is a buy or sell advertisement. AvailableUnits is only changed
// by conditional updates in the order ledger and reaching zero closes the
// order.
type P2POrder struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	OwnerID         string          `gorm:"size:36;not null;index" json:"ownerId"`
	Side            OrderSide       `gorm:"size:4;not null" json:"side"`
	Cryptocurrency  string          `gorm:"size:10;not null;index" json:"cryptocurrency"` // USDC, USDT
	FiatCurrency    string          `gorm:"size:10;default:'INR'" json:"fiatCurrency"`
	Price           decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"price"`
	TotalAmount     decimal.Decimal `gorm:"-" json:"totalAmount"`
	AvailableAmount decimal.Decimal `gorm:"-" json:"availableAmount"`

	// Stored amounts in 10^-7 token units.
	TotalUnits     int64 `gorm:"not null" json:"-"`
	AvailableUnits int64 `gorm:"not null;index;check:available_units >= 0" json:"-"`
}

// TableName overrides the table name
func (P2POrder) TableName() string {
	return "p2p_orders"
}

func (o *P2POrder) BeforeCreate(tx *gorm.DB) error {
	newID(&o.ID)
	total, err := ToUnits(o.TotalAmount)
	if err != nil {
		return err
	}
	available, err := ToUnits(o.AvailableAmount)
	if err != nil {
		return err
	}
	o.TotalUnits, o.AvailableUnits = total, available
	return nil
}

func (o *P2POrder) AfterFind(tx *gorm.DB) error {
	o.TotalAmount = FromUnits(o.TotalUnits)
	o.AvailableAmount = FromUnits(o.AvailableUnits)
	return nil
}

// Open reports whether any inventory is left.
func (o *P2POrder) Open() bool {
	return o.AvailableAmount.IsPositive()
}
