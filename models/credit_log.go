package models

import (
	"time"

	"gorm.io/gorm"
)

// CreditLog is a signed credit delta. Entries for a user always sum to the
// user's credit balance.
type CreditLog struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UserID    string    `gorm:"size:36;not null;index" json:"userId"`
	Amount    int       `gorm:"not null" json:"amount"`
	Reason    string    `gorm:"type:text" json:"reason"`
}

// TableName overrides the table name
func (CreditLog) TableName() string {
	return "credit_logs"
}

func (c *CreditLog) BeforeCreate(tx *gorm.DB) error {
	newID(&c.ID)
	return nil
}
