package models

import (
	"time"

	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionCreated   SubscriptionStatus = "created"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionFailed    SubscriptionStatus = "failed"
)

type Subscription struct {
	ID                     string             `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
	UserID                 string             `gorm:"size:36;not null;index" json:"userId"`
	PlanID                 string             `gorm:"size:64;not null" json:"planId"`
	RazorpaySubscriptionID string             `gorm:"size:64;not null;uniqueIndex" json:"razorpaySubscriptionId"`
	Status                 SubscriptionStatus `gorm:"size:20;not null;default:'created'" json:"status"`
	PaidCount              int                `gorm:"not null;default:0" json:"paidCount"`
	CurrentPeriodStart     *time.Time         `json:"currentPeriodStart"`
	CurrentPeriodEnd       *time.Time         `json:"currentPeriodEnd"`
}

// TableName overrides the table name
func (Subscription) TableName() string {
	return "subscriptions"
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	newID(&s.ID)
	return nil
}
