package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementConfirmed SettlementStatus = "CONFIRMED"
	SettlementFailed    SettlementStatus = "FAILED"
	// SettlementAmbiguous marks a transfer whose outcome was unknown when
	// the deadline hit. The reservation is kept until reconciled.
	SettlementAmbiguous SettlementStatus = "AMBIGUOUS"
)

// Settlement is the on-chain leg of one fill.
type Settlement struct {
	ID            string           `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	OrderID       string           `gorm:"size:36;not null;index" json:"orderId"`
	BuyerID       string           `gorm:"size:36;not null;index" json:"buyerId"`
	Receiver      string           `gorm:"size:56;not null" json:"receiver"`
	Asset         string           `gorm:"size:10;not null" json:"asset"`
	Amount        decimal.Decimal  `gorm:"-" json:"amount"`
	AmountUnits   int64            `gorm:"not null" json:"-"`
	Status        SettlementStatus `gorm:"size:20;not null;index;default:'PENDING'" json:"status"`
	TxHash        string           `gorm:"size:64;index" json:"txHash"`
	Ledger        int64            `json:"blockRef"`
	FeeCharged    int64            `json:"feeUsed"`
	ValidUntil    *time.Time       `json:"validUntil"`
	FailureReason string           `gorm:"type:text" json:"failureReason,omitempty"`
}

// TableName overrides the table name
func (Settlement) TableName() string {
	return "settlements"
}

func (s *Settlement) BeforeCreate(tx *gorm.DB) error {
	newID(&s.ID)
	units, err := ToUnits(s.Amount)
	if err != nil {
		return err
	}
	s.AmountUnits = units
	return nil
}

func (s *Settlement) AfterFind(tx *gorm.DB) error {
	s.Amount = FromUnits(s.AmountUnits)
	return nil
}
