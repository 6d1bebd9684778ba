package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentType string

const (
	PaymentSuccess            PaymentType = "PAYMENT_SUCCESS"
	PaymentFailed             PaymentType = "PAYMENT_FAILED"
	PaymentVerificationFailed PaymentType = "PAYMENT_VERIFICATION_FAILED"
	PaymentError              PaymentType = "PAYMENT_ERROR"
	PaymentP2PFill            PaymentType = "P2P_FILL"
)

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
	AttemptError   AttemptStatus = "ERROR"
)

// PaymentAttempt is one append-only record of a payment verification or
// fill attempt.
type PaymentAttempt struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt         time.Time       `gorm:"index" json:"createdAt"`
	ExternalOrderID   string          `gorm:"size:255;not null;index" json:"externalOrderId"`
	ExternalPaymentID string          `gorm:"size:255" json:"externalPaymentId"`
	Amount            decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"amount"`
	Type              PaymentType     `gorm:"size:40;not null" json:"type"`
	Status            AttemptStatus   `gorm:"size:10;not null" json:"status"`
	Description       string          `gorm:"type:text" json:"description"`
	Email             string          `gorm:"size:255" json:"email"`
	Phone             string          `gorm:"size:32" json:"phone"`
}

// Column widths of client supplied PaymentAttempt fields.
const (
	ExternalIDMaxLen = 255
	EmailMaxLen      = 255
	PhoneMaxLen      = 32
)

// TableName overrides the table name
func (PaymentAttempt) TableName() string {
	return "payment_attempts"
}

func (p *PaymentAttempt) BeforeCreate(tx *gorm.DB) error {
	newID(&p.ID)
	return nil
}
