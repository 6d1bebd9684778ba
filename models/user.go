package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Email     string         `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name      string         `gorm:"size:255" json:"name"`
	Phone     string         `gorm:"size:32" json:"phone"`

	DateOfBirth        *time.Time `json:"dateOfBirth,omitempty"`
	OnboardingComplete bool       `gorm:"not null;default:false" json:"onboardingComplete"`
	// WalletAddress receives stablecoin settlements for filled orders.
	WalletAddress string `gorm:"size:56" json:"walletAddress"`
	Role          string `gorm:"size:20;default:'user'" json:"role"` // admin, user
	IsActive      bool   `gorm:"default:true" json:"isActive"`

	// Owned by the credit reconciler; never written directly.
	CreditBalance      int        `gorm:"not null;default:0" json:"creditBalance"`
	MonthlyCreditLimit int        `gorm:"not null;default:0" json:"monthlyCreditLimit"`
	LastResetDate      *time.Time `json:"lastResetDate"`
}

// TableName overrides the table name
func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	newID(&u.ID)
	return nil
}
