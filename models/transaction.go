package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	TxSubscriptionCharged            = "SUBSCRIPTION_CHARGED"
	TxSubscriptionActivated          = "SUBSCRIPTION_ACTIVATED"
	TxSubscriptionCancelled          = "SUBSCRIPTION_CANCELLED"
	TxSubscriptionPaused             = "SUBSCRIPTION_PAUSED"
	TxSubscriptionResumed            = "SUBSCRIPTION_RESUMED"
	TxSubscriptionPaymentSuccess     = "SUBSCRIPTION_PAYMENT_SUCCESS"
	TxSubscriptionPaymentFailed      = "SUBSCRIPTION_PAYMENT_FAILED"
	TxSubscriptionVerificationFailed = "SUBSCRIPTION_VERIFICATION_FAILED"
	TxSubscriptionVerificationError  = "SUBSCRIPTION_VERIFICATION_ERROR"
	TxSubscriptionPaymentError       = "SUBSCRIPTION_PAYMENT_ERROR"
	TxPaymentCaptured                = "PAYMENT_CAPTURED"
	TxPaymentFailed                  = "PAYMENT_FAILED"
	TxP2PFill                        = "P2P_FILL"
	TxCreditAdjustment               = "CREDIT_ADJUSTMENT"
)

const (
	TxStatusSuccess = "SUCCESS"
	TxStatusFailed  = "FAILED"
	TxStatusError   = "ERROR"
	TxStatusPending = "PENDING"
)

// Transaction is the append-only audit trail of monetary and state changing
// actions.
type Transaction struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt         time.Time       `gorm:"index" json:"createdAt"`
	UserID            string          `gorm:"size:36;not null;index" json:"userId"`
	SubscriptionID    *string         `gorm:"size:36;index" json:"subscriptionId,omitempty"`
	RazorpayPaymentID *string         `gorm:"size:64;index" json:"razorpayPaymentId,omitempty"`
	Amount            decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"amount"`
	Currency          string          `gorm:"size:10;default:'INR'" json:"currency"`
	Type              string          `gorm:"size:64;not null;index" json:"type"`
	Status            string          `gorm:"size:10;not null" json:"status"`
	Description       string          `gorm:"type:text" json:"description"`
}

// TableName overrides the table name
func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	newID(&t.ID)
	return nil
}
