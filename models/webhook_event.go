package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	WebhookProcessing = "processing"
	WebhookSuccess    = "success"
	WebhookError      = "error"
)

// WebhookEvent is one line of the webhook processing log.
type WebhookEvent struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"createdAt"`
	Event     string         `gorm:"size:100;not null;index" json:"event"`
	Status    string         `gorm:"size:20;not null" json:"status"`
	Payload   datatypes.JSON `json:"payload"`
	Error     string         `gorm:"type:text" json:"error,omitempty"`
}

// TableName overrides the table name
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	newID(&w.ID)
	return nil
}

// ProcessedEvent claims an idempotency key. The unique index makes a second
// claim of the same key a no-op.
type ProcessedEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Key       string    `gorm:"size:191;not null;uniqueIndex" json:"key"`
	Source    string    `gorm:"size:20;not null" json:"source"`
}

// TableName overrides the table name
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
